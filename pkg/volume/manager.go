package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/storage"
	"github.com/cuemby/dynsched/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

// Manager creates the volumes of a service and takes care of deleting them,
// through the removal journal, once the service is gone.
type Manager struct {
	driver *LocalDriver
	store  storage.Store
	logger zerolog.Logger
}

// NewManager creates a new volume manager
func NewManager(driver *LocalDriver, store storage.Store) *Manager {
	return &Manager{
		driver: driver,
		store:  store,
		logger: log.WithComponent("volume"),
	}
}

// Volumes lists the volumes a service needs: inputs, outputs and every
// state path.
func Volumes(svc *types.TrackedServiceContext) []*Volume {
	targets := make([]string, 0, 2+len(svc.Paths.StatePaths))
	if svc.Paths.InputsPath != "" {
		targets = append(targets, svc.Paths.InputsPath)
	}
	if svc.Paths.OutputsPath != "" {
		targets = append(targets, svc.Paths.OutputsPath)
	}
	targets = append(targets, svc.Paths.StatePaths...)

	vols := make([]*Volume, 0, len(targets))
	for _, target := range targets {
		vols = append(vols, &Volume{
			NodeID: svc.NodeID,
			RunID:  svc.RunID,
			Name:   VolumeName(target),
			Target: target,
		})
	}
	return vols
}

// PrepareVolumes creates the volume directories and returns the bind mounts
// for the sidecar container.
func (m *Manager) PrepareVolumes(svc *types.TrackedServiceContext) ([]specs.Mount, error) {
	vols := Volumes(svc)
	mounts := make([]specs.Mount, 0, len(vols))

	for _, v := range vols {
		if err := m.driver.Create(v); err != nil {
			return nil, fmt.Errorf("failed to prepare volume %s: %w", v.Name, err)
		}

		mount := specs.Mount{
			Source:      v.HostPath,
			Destination: v.Target,
			Type:        "bind",
			Options:     []string{"rbind"},
		}
		if v.ReadOnly {
			mount.Options = append(mount.Options, "ro")
		} else {
			mount.Options = append(mount.Options, "rw")
		}
		mounts = append(mounts, mount)
	}

	return mounts, nil
}

// ScheduleRemoval journals the volumes of a service run and deletes them.
// When deletion fails the journal entry stays for RemoveOrphaned.
func (m *Manager) ScheduleRemoval(ctx context.Context, svc *types.TrackedServiceContext) error {
	pending := &storage.PendingRemoval{
		NodeID:      svc.NodeID,
		RunID:       svc.RunID,
		Paths:       []string{m.driver.RunDir(svc.NodeID, svc.RunID)},
		ScheduledAt: time.Now(),
	}
	if err := m.store.PutPendingRemoval(pending); err != nil {
		return fmt.Errorf("failed to journal volume removal: %w", err)
	}

	return m.remove(ctx, pending)
}

// RemoveOrphaned retries every journaled removal and returns how many
// entries were cleared.
func (m *Manager) RemoveOrphaned(ctx context.Context) (int, error) {
	pending, err := m.store.ListPendingRemovals()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending removals: %w", err)
	}

	removed := 0
	var errs []error
	for _, p := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.remove(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Int("pending", len(pending)-removed).Msg("Removed orphaned volumes")
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) remove(ctx context.Context, p *storage.PendingRemoval) error {
	p.Attempts++
	for _, path := range p.Paths {
		if err := m.driver.Delete(path); err != nil {
			p.LastError = err.Error()
			if putErr := m.store.PutPendingRemoval(p); putErr != nil {
				m.logger.Warn().Err(putErr).Str("key", p.Key()).Msg("Failed to update pending removal")
			}
			return fmt.Errorf("failed to remove volumes of %s: %w", p.Key(), err)
		}
	}
	m.driver.PruneEmpty(p.NodeID)

	if err := m.store.DeletePendingRemoval(p.Key()); err != nil {
		return fmt.Errorf("failed to clear pending removal %s: %w", p.Key(), err)
	}
	m.logger.Debug().Str("node_id", p.NodeID).Str("run_id", p.RunID).Msg("Volumes removed")
	return nil
}
