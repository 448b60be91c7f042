/*
Package volume manages the host directories mounted into dynamic sidecars.

Every service run gets its own directory tree, one volume per mounted path:

	<base>/<node id>/<run id>/work_inputs
	<base>/<node id>/<run id>/work_outputs
	<base>/<node id>/<run id>/<state path>

PrepareVolumes creates them and returns runtime-spec bind mounts for the
sidecar container. When a service is removed, ScheduleRemoval first writes a
journal entry (see package storage), then deletes the run directory, then
clears the entry. Entries that survive a failed deletion or a crash are
retried by RemoveOrphaned, which the scheduler runs on a schedule.

The driver refuses to delete anything outside its base path.
*/
package volume
