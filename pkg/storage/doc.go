/*
Package storage provides the BoltDB-backed journal of pending volume
removals.

Scheduler state is never stored here: the context of a tracked service lives
on its sidecar container labels. The only thing that must outlive both the
service and the scheduler process is the knowledge that some volume
directories still have to be deleted. That is what this journal records.

# Architecture

	┌──────────────── <dataDir>/dynsched.db ────────────────┐
	│                                                       │
	│  bucket pending_volume_removals                       │
	│    key:   <node id>/<run id>                          │
	│    value: JSON PendingRemoval                         │
	│           {NodeID, RunID, Paths, ScheduledAt,         │
	│            Attempts, LastError}                       │
	│                                                       │
	└───────────────────────────────────────────────────────┘

An entry is written before the directories are deleted and removed once
they are gone. Entries left behind by a failed deletion or a crash are
picked up by the volume janitor.

# Usage

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	pending, err := store.ListPendingRemovals()
*/
package storage
