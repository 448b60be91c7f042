package scheduler

import (
	"context"
	"fmt"

	"github.com/cuemby/dynsched/pkg/events"
	"github.com/cuemby/dynsched/pkg/types"
)

// StatusSummary is the state of a service as reported to users
type StatusSummary struct {
	State   types.ServiceState
	Message string
}

// AddService starts tracking svc and triggers its first observation
func (s *Scheduler) AddService(svc *types.TrackedServiceContext) error {
	if err := s.addService(svc); err != nil {
		return err
	}
	s.logger.Info().
		Str("service_name", svc.ServiceName).
		Str("node_id", svc.NodeID).
		Msg("Service added to observation")
	s.broker.Publish(events.NewEvent(events.EventServiceAdded, svc.NodeID, svc.ServiceName, ""))
	return nil
}

func (s *Scheduler) addService(svc *types.TrackedServiceContext) error {
	if err := s.registry.add(svc); err != nil {
		return err
	}
	s.queue.Add(svc.ServiceName)
	return nil
}

// MarkServiceForRemoval records that the service must be removed. The
// updated context is persisted best effort; removal happens on the next
// observation of the service.
func (s *Scheduler) MarkServiceForRemoval(ctx context.Context, nodeID string, canSave bool) error {
	svc, err := s.registry.markForRemoval(nodeID, canSave)
	if err != nil {
		return err
	}
	logger := s.logger.With().Str("service_name", svc.ServiceName).Str("node_id", nodeID).Logger()

	if err := s.platform.SaveContext(ctx, svc); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist removal intent")
	}
	logger.Info().Bool("can_save", canSave).Msg("Service marked for removal")
	s.broker.Publish(events.NewEvent(events.EventServiceMarkedForRemoval, nodeID, svc.ServiceName, ""))
	s.queue.Add(svc.ServiceName)
	return nil
}

// RemoveServiceFromObservation stops tracking a service without touching
// the platform
func (s *Scheduler) RemoveServiceFromObservation(nodeID string) error {
	name, err := s.registry.remove(nodeID)
	if err != nil {
		return err
	}
	s.logger.Info().Str("service_name", name).Str("node_id", nodeID).Msg("Service removed from observation")
	return nil
}

// GetTrackedContext returns a copy of the tracked context of nodeID
func (s *Scheduler) GetTrackedContext(nodeID string) (*types.TrackedServiceContext, error) {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return nil, &NotFoundError{NodeID: nodeID}
	}
	return svc, nil
}

// IsServiceTracked reports whether nodeID is tracked
func (s *Scheduler) IsServiceTracked(nodeID string) bool {
	return s.registry.isTracked(nodeID)
}

// GetStackStatus reports the state of a service. A failing service
// returns its stored message without probing anything.
func (s *Scheduler) GetStackStatus(ctx context.Context, nodeID string) (*StatusSummary, error) {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return nil, &NotFoundError{NodeID: nodeID}
	}
	if svc.IsFailing() {
		return &StatusSummary{State: types.ServiceStateFailed, Message: svc.Sidecar.Status.Message}, nil
	}

	state, err := s.platform.ServiceState(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", svc.ServiceName, err)
	}
	if state != types.ServiceStateRunning {
		return &StatusSummary{State: state}, nil
	}

	containers, err := s.sidecar.ContainersStatus(ctx, svc.Endpoint())
	if err != nil {
		return &StatusSummary{
			State:   types.ServiceStateStarting,
			Message: fmt.Sprintf("sidecar of %s is not answering yet: %v", svc.ServiceName, err),
		}, nil
	}
	if len(containers) == 0 {
		return &StatusSummary{State: types.ServiceStateStarting, Message: "user services are being created"}, nil
	}

	summary := &StatusSummary{State: containers[0].State.ServiceState()}
	for _, c := range containers {
		st := c.State.ServiceState()
		if st.Less(summary.State) {
			summary.State = st
			summary.Message = c.Error
		} else if st == summary.State && summary.Message == "" {
			summary.Message = c.Error
		}
	}
	return summary, nil
}

// RetrieveServiceInputs pulls the given input ports into the service and
// returns the number of bytes transferred. Services that restart on new
// inputs have their containers restarted afterwards.
func (s *Scheduler) RetrieveServiceInputs(ctx context.Context, nodeID string, portKeys []string) (int64, error) {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return 0, &NotFoundError{NodeID: nodeID}
	}

	transferred, err := s.sidecar.PullInputPorts(ctx, svc.Endpoint(), portKeys)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve inputs of %s: %w", svc.ServiceName, err)
	}
	if svc.RestartPolicy == types.RestartPolicyOnInputsDownloaded {
		if err := s.sidecar.RestartContainers(ctx, svc.Endpoint()); err != nil {
			return transferred, fmt.Errorf("failed to restart %s after inputs download: %w", svc.ServiceName, err)
		}
	}
	return transferred, nil
}

// AttachProjectNetwork connects the user services to a project network.
// Untracked nodes are ignored.
func (s *Scheduler) AttachProjectNetwork(ctx context.Context, nodeID, network, alias string) error {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return nil
	}
	return s.sidecar.AttachNetwork(ctx, svc.Endpoint(), network, alias)
}

// DetachProjectNetwork disconnects the user services from a project
// network. Untracked nodes are ignored.
func (s *Scheduler) DetachProjectNetwork(ctx context.Context, nodeID, network string) error {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return nil
	}
	return s.sidecar.DetachNetwork(ctx, svc.Endpoint(), network)
}

// RestartContainers restarts the user services of nodeID
func (s *Scheduler) RestartContainers(ctx context.Context, nodeID string) error {
	svc, ok := s.registry.get(nodeID)
	if !ok {
		return &NotFoundError{NodeID: nodeID}
	}
	return s.sidecar.RestartContainers(ctx, svc.Endpoint())
}

// ToggleObservationCycle suspends (disable=true) or resumes observation of
// a service. It returns false without changing anything while an
// observation task is running for the service.
func (s *Scheduler) ToggleObservationCycle(nodeID string, disable bool) (bool, error) {
	ok, err := s.registry.toggle(nodeID, disable)
	if err != nil || !ok {
		return ok, err
	}

	svc, found := s.registry.get(nodeID)
	if found {
		state := "enabled"
		if disable {
			state = "disabled"
		}
		s.logger.Info().Str("service_name", svc.ServiceName).Str("node_id", nodeID).Msgf("Observation %s", state)
		s.broker.Publish(events.NewEvent(events.EventObservationToggled, nodeID, svc.ServiceName, state))
	}
	return true, nil
}
