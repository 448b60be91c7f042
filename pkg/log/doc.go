/*
Package log provides structured logging for dynsched using zerolog.

A single global Logger is configured once at startup with Init. Packages
derive child loggers that carry a component name, and the scheduler adds
the identity of the service it is working on:

	logger := log.WithComponent("scheduler")
	svcLog := log.WithService(logger, svc.ServiceName, svc.NodeID)
	svcLog.Error().Err(err).Str("error_code", code).Msg("Observation failed")

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
		Output:     os.Stderr,
	})

Console output (zerolog.ConsoleWriter) is the default and suits terminals.
JSON output is meant for log shippers.

# Fields

Fields used across the codebase:

  - component: scheduler, reconciler, runtime, sidecar, volume, api, events
  - service_name, node_id: identity of a tracked service
  - error_code: correlation code attached to a failing service
  - err: the error, written by Err()

Tests can point Output at a bytes.Buffer to assert on emitted records.
*/
package log
