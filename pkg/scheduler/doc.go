/*
Package scheduler tracks the dynamic services of this node and keeps each
of them converging towards its desired state.

# Architecture

	AddService / Discover
	        │
	        ▼
	┌───────────────┐   every interval   ┌──────────────┐
	│   registry    │ ─────────────────▶ │  work queue  │
	│ name → ctx    │   (enqueuer)       │ (client-go)  │
	│ node → name   │                    └──────┬───────┘
	│ name → state  │                           │ consumer
	└───────────────┘                           ▼
	        ▲                          one goroutine per service
	        │ commit                   ┌─────────────────────────┐
	        └───────────────────────── │ failing? → removal      │
	                                   │ else     → chain        │
	                                   └─────────────────────────┘

The registry is the only shared mutable state. Its maps change together
under one mutex and no network call is made while it is held. A task works
on a deep copy taken at entry and writes the result back once through
commit. When the result differs from the snapshot it is persisted as labels
on the sidecar container, which is what Discover reads after a restart.

# Serialization

Each service has a run state: idle, running or disabled. The consumer only
spawns a task when it can move a service from idle to running, inside the
registry lock. The work queue keeps an item marked as processing until its
task calls Done, so any number of triggers arriving during a run collapse
into exactly one follow-up run.

ToggleObservationCycle uses the same critical section. Disabling a service
whose task is running is refused, and a toggle can never race the spawn.

# Failures

An error or panic from the chain marks the service failing with a
correlation code:

	This service (dy-sidecar_2b4e...) unexpectedly failed [OEC:1a2b3c4d]

The code is also logged as error_code next to the real error. A failing
service never runs the chain again. Its next cycle runs the RemovalWorkflow.
When saving state and outputs fails during removal, the service is frozen
(WaitForManualIntervention) and left in place. A frozen service is only
removed once the platform reports its stack gone, which is checked every
AbsenceCheckInterval.

# Shutdown

Shutdown stops the enqueuer, shuts the queue down, stops the janitor,
cancels every in-flight task and waits at most ShutdownTimeout. Tasks
still running after that are logged by name and abandoned.

# Usage

	sched := scheduler.New(cfg, platform, sidecarClient, volumes, broker)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Shutdown()

	svc, _ := types.NewTrackedServiceContext(spec)
	if err := sched.AddService(svc); err != nil {
		return err
	}
*/
package scheduler
