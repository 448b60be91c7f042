package scheduler

import (
	"sort"
	"sync"

	"github.com/cuemby/dynsched/pkg/types"
)

// RunState tells whether an observation task may be spawned for a service
type RunState int

const (
	// RunStateIdle means no task is running and a trigger may spawn one
	RunStateIdle RunState = iota
	// RunStateRunning means a task is in flight
	RunStateRunning
	// RunStateDisabled means observation was suspended by an operator
	RunStateDisabled
)

func (s RunState) String() string {
	switch s {
	case RunStateIdle:
		return "idle"
	case RunStateRunning:
		return "running"
	case RunStateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// registry is the authoritative set of tracked services. The maps are
// only touched together under mu, and no network call is ever made while
// mu is held.
//
// Every add gets a new generation. A task carries the generation it was
// started for, so a task outliving its registration (removed and added
// again while it ran) can neither overwrite nor release the new one.
type registry struct {
	mu      sync.Mutex
	tracked map[string]*types.TrackedServiceContext // service name -> context
	byNode  map[string]string                       // node id -> service name
	runs    map[string]RunState                     // service name -> run state
	gens    map[string]uint64                       // service name -> generation
	lastGen uint64
}

func newRegistry() *registry {
	return &registry{
		tracked: make(map[string]*types.TrackedServiceContext),
		byNode:  make(map[string]string),
		runs:    make(map[string]RunState),
		gens:    make(map[string]uint64),
	}
}

// add inserts a copy of svc. A node id that is already indexed is refused
// and nothing changes.
func (r *registry) add(svc *types.TrackedServiceContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.byNode[svc.NodeID]; ok {
		return &DuplicateIdentityError{NodeID: svc.NodeID, ServiceName: name}
	}
	if existing, ok := r.tracked[svc.ServiceName]; ok {
		return &DuplicateIdentityError{NodeID: existing.NodeID, ServiceName: svc.ServiceName}
	}

	r.tracked[svc.ServiceName] = svc.Clone()
	r.byNode[svc.NodeID] = svc.ServiceName
	r.runs[svc.ServiceName] = RunStateIdle
	r.lastGen++
	r.gens[svc.ServiceName] = r.lastGen
	return nil
}

// remove deletes the service from every map and returns its name
func (r *registry) remove(nodeID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byNode[nodeID]
	if !ok {
		return "", &NotFoundError{NodeID: nodeID}
	}
	delete(r.tracked, name)
	delete(r.byNode, nodeID)
	delete(r.runs, name)
	delete(r.gens, name)
	return name, nil
}

// get returns a copy of the context tracked for nodeID
func (r *registry) get(nodeID string) (*types.TrackedServiceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byNode[nodeID]
	if !ok {
		return nil, false
	}
	return r.tracked[name].Clone(), true
}

func (r *registry) isTracked(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byNode[nodeID]
	return ok
}

// markForRemoval records the removal intent and returns a copy of the
// updated context for persisting.
func (r *registry) markForRemoval(nodeID string, canSave bool) (*types.TrackedServiceContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byNode[nodeID]
	if !ok {
		return nil, &NotFoundError{NodeID: nodeID}
	}
	svc := r.tracked[name]
	svc.Sidecar.Removal.MarkToRemove(canSave)
	return svc.Clone(), nil
}

// snapshot returns a copy of the context registered under name, as long as
// it is still the registration of generation gen.
func (r *registry) snapshot(name string, gen uint64) (*types.TrackedServiceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.tracked[name]
	if !ok || r.gens[name] != gen {
		return nil, false
	}
	return svc.Clone(), true
}

// tryBegin moves an idle service to running. It returns the state found,
// the generation the run belongs to and whether the caller now owns it.
func (r *registry) tryBegin(name string) (RunState, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.runs[name]
	if !ok {
		return state, 0, false
	}
	if state != RunStateIdle {
		return state, 0, false
	}
	r.runs[name] = RunStateRunning
	return state, r.gens[name], true
}

// finish moves a running service back to idle. A run whose registration
// was removed, or replaced by a newer one, changes nothing.
func (r *registry) finish(name string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gens[name] != gen {
		return
	}
	if r.runs[name] == RunStateRunning {
		r.runs[name] = RunStateIdle
	}
}

// toggle suspends or resumes observation. It is refused while a task is in
// flight; the check shares the critical section with tryBegin, so a toggle
// can never slip in between the check and the spawn.
func (r *registry) toggle(nodeID string, disable bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byNode[nodeID]
	if !ok {
		return false, &NotFoundError{NodeID: nodeID}
	}
	if r.runs[name] == RunStateRunning {
		return false, nil
	}
	if disable {
		r.runs[name] = RunStateDisabled
	} else {
		r.runs[name] = RunStateIdle
	}
	return true, nil
}

func (r *registry) runState(name string) (RunState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.runs[name]
	return state, ok
}

// each calls fn with every tracked service name, sorted, while holding the
// lock. fn must not block.
func (r *registry) each(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn(name)
	}
}

// commit writes the result of a task of generation gen back. base is the
// snapshot the task started from. A removal intent recorded by somebody
// else while the task ran wins over the task's copy. It returns a copy of
// what was stored, or false when the registration the task worked on is
// gone.
func (r *registry) commit(gen uint64, base, updated *types.TrackedServiceContext) (*types.TrackedServiceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tracked[updated.ServiceName]
	if !ok || r.gens[updated.ServiceName] != gen || current.NodeID != updated.NodeID {
		return nil, false
	}

	stored := updated.Clone()
	if !current.Sidecar.Removal.Equal(base.Sidecar.Removal) &&
		updated.Sidecar.Removal.Equal(base.Sidecar.Removal) {
		stored.Sidecar.Removal = current.Sidecar.Removal
		if current.Sidecar.Removal.CanSave != nil {
			v := *current.Sidecar.Removal.CanSave
			stored.Sidecar.Removal.CanSave = &v
		}
	}
	r.tracked[stored.ServiceName] = stored
	return stored.Clone(), true
}

// TrackedCount returns the number of tracked services
func (r *registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// FailingCount returns the number of tracked services whose status is failing
func (r *registry) FailingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, svc := range r.tracked {
		if svc.IsFailing() {
			n++
		}
	}
	return n
}
