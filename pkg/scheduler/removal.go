package scheduler

import (
	"context"
	"fmt"

	"github.com/cuemby/dynsched/pkg/events"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/metrics"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/rs/zerolog"
)

// RemovalWorkflow tears down a service: stop the user services, save
// state and outputs when asked to, remove the stack and its volumes, then
// stop tracking it.
//
// A failed teardown leaves the service tracked and the next observation
// cycle runs the whole workflow again. A failed save freezes the service
// instead: it is marked as waiting for manual intervention and nothing is
// torn down.
type RemovalWorkflow struct {
	platform Platform
	sidecar  Sidecar
	volumes  VolumeCleaner
	registry *registry
	broker   *events.Broker
	logger   zerolog.Logger
}

// Run executes the workflow on svc, mutating it in place. CanSave must be
// resolved before calling.
func (w *RemovalWorkflow) Run(ctx context.Context, svc *types.TrackedServiceContext) error {
	if svc.Sidecar.Removal.CanSave == nil {
		return ErrUnresolvedCanSave
	}
	logger := log.WithService(w.logger, svc.ServiceName, svc.NodeID)
	endpoint := svc.Endpoint()

	if svc.Sidecar.IsAvailable {
		if err := w.sidecar.StopContainers(ctx, endpoint); err != nil {
			logger.Warn().Err(err).Msg("Could not stop user services gracefully")
		}
	}

	if w.mustSave(svc) {
		if err := w.save(ctx, endpoint); err != nil {
			code := newErrorCode()
			svc.Sidecar.WaitForManualIntervention = true
			svc.Sidecar.Status.MarkFailing(
				fmt.Sprintf("could not save state and outputs of %s; manual intervention required", svc.ServiceName),
				code,
			)
			logger.Error().
				Err(err).
				Str("error_code", code).
				Msg("Failed to save state and outputs, service frozen until manual intervention")
			metrics.RemovalsTotal.WithLabelValues("frozen").Inc()
			w.broker.Publish(events.NewEvent(events.EventServiceFrozen, svc.NodeID, svc.ServiceName, svc.Sidecar.Status.Message))
			return fmt.Errorf("failed to save %s: %w", svc.ServiceName, err)
		}
		svc.Sidecar.StateAndOutputsSaved = true
		logger.Info().Msg("Saved state and outputs")
	}

	if err := w.platform.RemoveStack(ctx, svc); err != nil {
		logger.Error().Err(err).Msg("Failed to remove stack, retrying on next cycle")
		metrics.RemovalsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to remove stack of %s: %w", svc.ServiceName, err)
	}

	if err := w.volumes.ScheduleRemoval(ctx, svc); err != nil {
		logger.Warn().Err(err).Msg("Volumes left for the janitor")
	}

	svc.Sidecar.Removal.MarkRemoved()
	if _, err := w.registry.remove(svc.NodeID); err != nil {
		logger.Debug().Err(err).Msg("Service already left observation")
	}

	metrics.RemovalsTotal.WithLabelValues("removed").Inc()
	w.broker.Publish(events.NewEvent(events.EventServiceRemoved, svc.NodeID, svc.ServiceName, ""))
	logger.Info().Msg("Service removed")
	return nil
}

// mustSave reports whether saving is requested and there is something to
// save. Containers that were never created produced no state.
func (w *RemovalWorkflow) mustSave(svc *types.TrackedServiceContext) bool {
	return svc.Sidecar.Removal.SaveRequested() &&
		svc.Sidecar.ContainersCreated() &&
		!svc.Sidecar.StateAndOutputsSaved
}

func (w *RemovalWorkflow) save(ctx context.Context, endpoint string) error {
	if err := w.sidecar.SaveState(ctx, endpoint); err != nil {
		return err
	}
	return w.sidecar.PushOutputPorts(ctx, endpoint, nil)
}
