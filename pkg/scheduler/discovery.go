package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// Discover rebuilds the registry from the contexts persisted on the
// platform and returns how many services were added. Services already
// tracked are skipped, so running it twice changes nothing.
func (s *Scheduler) Discover(ctx context.Context) (int, error) {
	contexts, err := s.platform.ListContexts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted services: %w", err)
	}

	added := 0
	for _, svc := range contexts {
		logger := s.logger.With().
			Str("service_name", svc.ServiceName).
			Str("node_id", svc.NodeID).
			Logger()

		if svc.Sidecar.Removal.WasRemoved {
			logger.Debug().Msg("Skipping removed service")
			continue
		}
		if err := s.addService(svc); err != nil {
			if errors.Is(err, ErrDuplicateIdentity) {
				logger.Debug().Msg("Service already tracked")
			} else {
				logger.Warn().Err(err).Msg("Could not restore service")
			}
			continue
		}
		added++
	}

	s.logger.Info().
		Int("found", len(contexts)).
		Int("restored", added).
		Msg("Discovered services")
	return added, nil
}
