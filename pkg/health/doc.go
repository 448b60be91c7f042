/*
Package health provides the HTTP probe used to decide whether a sidecar
control API is up.

# Architecture

	┌─────────────────┐   GET /health    ┌──────────────────┐
	│  HTTPChecker    │ ───────────────▶ │  sidecar API     │
	│  status range   │ ◀─────────────── │  {"is_healthy":} │
	│  body check     │                  └──────────────────┘
	└────────┬────────┘
	         │ Result{Healthy, Message, CheckedAt, Duration}
	         ▼
	┌─────────────────┐
	│ HealthStatus    │  consecutive failures vs Config.Retries
	└─────────────────┘

A probe is healthy when the status code falls in the expected range and,
when a BodyCheck is set, the body passes it. A single failed probe does not
make a sidecar unhealthy. Callers count consecutive failures (see
types.HealthStatus) and use Config.Exceeded to decide.

# Usage

	checker := health.NewHTTPChecker(svc.Endpoint() + "/health").
		WithStatusRange(200, 299).
		WithBodyCheck(requireIsHealthy).
		WithTimeout(5 * time.Second)

	result := checker.Check(ctx)
	svc.Sidecar.Health.Record(result.Healthy, result.Message, result.CheckedAt)
	if cfg.Exceeded(svc.Sidecar.Health.ConsecutiveFailures) {
		// give up on this sidecar
	}
*/
package health
