package storage

import (
	"time"
)

// PendingRemoval is a volume deletion that has been scheduled but not yet
// confirmed. Entries stay in the journal until the directories are gone.
type PendingRemoval struct {
	NodeID      string
	RunID       string
	Paths       []string
	ScheduledAt time.Time
	Attempts    int
	LastError   string
}

// Key identifies the journal entry of a service run
func (p *PendingRemoval) Key() string {
	return p.NodeID + "/" + p.RunID
}

// Store defines the interface for the volume removal journal
type Store interface {
	PutPendingRemoval(p *PendingRemoval) error
	GetPendingRemoval(key string) (*PendingRemoval, error)
	ListPendingRemovals() ([]*PendingRemoval, error)
	DeletePendingRemoval(key string) error

	// Utility
	Close() error
}
