/*
Package reconciler holds the chain of steps that drives one dynamic service
towards its desired state.

A Step is a named (Applies, Action) pair. Chain.Run evaluates the steps in
order against a service context and runs every step whose condition holds.
Each step sees the mutations made by the steps before it.

# Corrective and observation steps

Steps that change the platform are marked Corrective. At most one
corrective step acts per cycle, so a service advances one stage at a time
and the state observed afterwards reflects that single change. Observation
steps (health, container status) always run when they apply.

# Default chain

	create-sidecar          corrective  sidecar never started
	update-health           observe     sidecar API known to be up
	wait-for-sidecar-api    observe     sidecar started, API not seen yet
	refresh-containers      observe     compose spec submitted
	prepare-environment     corrective  restore state, pull inputs
	create-user-services    corrective  submit compose spec, create containers
	attach-project-networks corrective  all user containers running
	remove-marked-service   corrective  service marked for removal

Steps never block waiting for a condition. A condition that does not hold
yet is re-evaluated on the next cycle.

# Errors

The first failing step stops the cycle. Its error is returned wrapped with
the step name and the scheduler marks the service as failing.
*/
package reconciler
