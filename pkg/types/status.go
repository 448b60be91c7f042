package types

// Status is the coarse lifecycle status of a tracked service
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailing Status = "failing"
)

// LifecycleStatus holds the current status and a human readable message.
// Use MarkHealthy and MarkFailing rather than setting fields directly.
type LifecycleStatus struct {
	Current Status
	Message string
}

// MarkHealthy sets the status to ok
func (s *LifecycleStatus) MarkHealthy(info string) {
	s.Current = StatusOK
	s.Message = info
}

// MarkFailing sets the status to failing. A non-empty code is appended to
// the message in brackets so operators can grep the logs for it.
func (s *LifecycleStatus) MarkFailing(reason, code string) {
	s.Current = StatusFailing
	if code != "" {
		s.Message = reason + " [" + code + "]"
		return
	}
	s.Message = reason
}

// RemovalIntent records whether a service should be removed and whether
// its state must be saved first. CanSave stays nil until somebody decides.
type RemovalIntent struct {
	CanRemove  bool
	CanSave    *bool
	WasRemoved bool
}

// MarkToRemove flags the service for removal
func (r *RemovalIntent) MarkToRemove(canSave bool) {
	r.CanRemove = true
	r.CanSave = &canSave
}

// MarkRemoved records that teardown finished
func (r *RemovalIntent) MarkRemoved() {
	r.CanRemove = false
	r.WasRemoved = true
}

// SaveRequested reports CanSave, treating an undecided value as false
func (r RemovalIntent) SaveRequested() bool {
	return r.CanSave != nil && *r.CanSave
}

// Equal compares two intents by value
func (r RemovalIntent) Equal(o RemovalIntent) bool {
	if r.CanRemove != o.CanRemove || r.WasRemoved != o.WasRemoved {
		return false
	}
	if (r.CanSave == nil) != (o.CanSave == nil) {
		return false
	}
	return r.CanSave == nil || *r.CanSave == *o.CanSave
}

func (r RemovalIntent) clone() RemovalIntent {
	if r.CanSave != nil {
		v := *r.CanSave
		r.CanSave = &v
	}
	return r
}

// ServiceState is the externally reported state of a dynamic service
type ServiceState string

const (
	ServiceStateFailed   ServiceState = "failed"
	ServiceStatePending  ServiceState = "pending"
	ServiceStatePulling  ServiceState = "pulling"
	ServiceStateStarting ServiceState = "starting"
	ServiceStateRunning  ServiceState = "running"
	ServiceStateStopping ServiceState = "stopping"
	ServiceStateComplete ServiceState = "complete"
)

var serviceStateOrder = map[ServiceState]int{
	ServiceStateFailed:   0,
	ServiceStatePending:  1,
	ServiceStatePulling:  2,
	ServiceStateStarting: 3,
	ServiceStateRunning:  4,
	ServiceStateStopping: 5,
	ServiceStateComplete: 6,
}

// Less orders states from the least to the most advanced, with failed first
func (s ServiceState) Less(o ServiceState) bool {
	return serviceStateOrder[s] < serviceStateOrder[o]
}

// ContainerState is the raw state of a user container
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRestarting ContainerState = "restarting"
	ContainerStateRunning    ContainerState = "running"
	ContainerStateRemoving   ContainerState = "removing"
	ContainerStatePaused     ContainerState = "paused"
	ContainerStateExited     ContainerState = "exited"
	ContainerStateDead       ContainerState = "dead"
)

// ServiceState maps a container state to a service state. Unknown values
// map to pending.
func (c ContainerState) ServiceState() ServiceState {
	switch c {
	case ContainerStateCreated, ContainerStateRestarting, ContainerStatePaused:
		return ServiceStateStarting
	case ContainerStateRunning:
		return ServiceStateRunning
	case ContainerStateRemoving:
		return ServiceStateStopping
	case ContainerStateExited:
		return ServiceStateComplete
	case ContainerStateDead:
		return ServiceStateFailed
	default:
		return ServiceStatePending
	}
}
