package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/dynsched/pkg/health"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/types"
)

// Platform creates sidecar stacks
type Platform interface {
	CreateSidecar(ctx context.Context, svc *types.TrackedServiceContext) (string, error)
}

// Sidecar is the part of the sidecar API the chain drives
type Sidecar interface {
	Health(ctx context.Context, endpoint string) health.Result
	ContainersStatus(ctx context.Context, endpoint string) ([]types.ContainerInspect, error)
	RestoreState(ctx context.Context, endpoint string) error
	PullInputPorts(ctx context.Context, endpoint string, keys []string) (int64, error)
	SubmitComposeSpec(ctx context.Context, endpoint, composeSpec string) error
	CreateContainers(ctx context.Context, endpoint string) error
	AttachNetwork(ctx context.Context, endpoint, network, alias string) error
}

// Remover runs the removal workflow for a service marked for removal
type Remover interface {
	Run(ctx context.Context, svc *types.TrackedServiceContext) error
}

// Deps holds everything the default steps need
type Deps struct {
	Platform       Platform
	Sidecar        Sidecar
	Remover        Remover
	Health         health.Config
	StartupTimeout time.Duration
}

// Step names of the default chain
const (
	StepCreateSidecar         = "create-sidecar"
	StepUpdateHealth          = "update-health"
	StepWaitForSidecarAPI     = "wait-for-sidecar-api"
	StepRefreshContainers     = "refresh-containers"
	StepPrepareEnvironment    = "prepare-environment"
	StepCreateUserServices    = "create-user-services"
	StepAttachProjectNetworks = "attach-project-networks"
	StepRemoveMarkedService   = "remove-marked-service"
)

// DefaultSteps returns the steps that take a service from nothing to
// running user services, and to removal once it is marked.
func DefaultSteps(d Deps) []Step {
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = 5 * time.Minute
	}
	if d.Health.Retries < 1 {
		d.Health = health.DefaultConfig()
	}
	logger := log.WithComponent("reconciler")

	return []Step{
		{
			Name:       StepCreateSidecar,
			Corrective: true,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return !svc.Sidecar.WasStarted && !svc.Sidecar.Removal.CanRemove
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				id, err := d.Platform.CreateSidecar(ctx, svc)
				if err != nil {
					return err
				}
				svc.Sidecar.WasStarted = true
				svc.Sidecar.StartedAt = time.Now()
				svc.Sidecar.SidecarID = id
				return nil
			},
		},
		{
			Name: StepUpdateHealth,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.IsAvailable
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				result := d.Sidecar.Health(ctx, svc.Endpoint())
				svc.Sidecar.Health.Record(result.Healthy, result.Message, result.CheckedAt)
				if d.Health.Exceeded(svc.Sidecar.Health.ConsecutiveFailures) {
					return fmt.Errorf("sidecar unhealthy after %d consecutive failures: %s",
						svc.Sidecar.Health.ConsecutiveFailures, result.Message)
				}
				return nil
			},
		},
		{
			Name: StepWaitForSidecarAPI,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.WasStarted && !svc.Sidecar.IsAvailable
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				result := d.Sidecar.Health(ctx, svc.Endpoint())
				svc.Sidecar.Health.Record(result.Healthy, result.Message, result.CheckedAt)
				if result.Healthy {
					svc.Sidecar.IsAvailable = true
					return nil
				}
				if !svc.Sidecar.StartedAt.IsZero() && time.Since(svc.Sidecar.StartedAt) > d.StartupTimeout {
					return fmt.Errorf("sidecar API not reachable %s after start: %s", d.StartupTimeout, result.Message)
				}
				return nil
			},
		},
		{
			Name: StepRefreshContainers,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.IsAvailable && svc.Sidecar.ComposeSpecSubmitted()
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				containers, err := d.Sidecar.ContainersStatus(ctx, svc.Endpoint())
				if err != nil {
					// unreachable sidecars are handled by the health step
					logger.Warn().Err(err).Str("service_name", svc.ServiceName).Msg("Could not refresh container status")
					return nil
				}
				svc.Sidecar.Containers = containers

				var errs []error
				for _, c := range containers {
					if c.State == types.ContainerStateDead {
						errs = append(errs, fmt.Errorf("container %s is dead: %s", c.Name, c.Error))
					}
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				svc.Sidecar.Status.MarkHealthy("")
				return nil
			},
		},
		{
			Name:       StepPrepareEnvironment,
			Corrective: true,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.IsAvailable && !svc.Sidecar.EnvironmentPrepared && !svc.Sidecar.Removal.CanRemove
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				if err := d.Sidecar.RestoreState(ctx, svc.Endpoint()); err != nil {
					return err
				}
				if _, err := d.Sidecar.PullInputPorts(ctx, svc.Endpoint(), nil); err != nil {
					return err
				}
				svc.Sidecar.EnvironmentPrepared = true
				return nil
			},
		},
		{
			Name:       StepCreateUserServices,
			Corrective: true,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.IsAvailable &&
					svc.Sidecar.EnvironmentPrepared &&
					!svc.Sidecar.ComposeSpecSubmitted() &&
					!svc.Sidecar.Removal.CanRemove
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				if err := d.Sidecar.SubmitComposeSpec(ctx, svc.Endpoint(), svc.ComposeSpec); err != nil {
					return err
				}
				svc.Sidecar.ComposeSubmittedAt = time.Now()
				return d.Sidecar.CreateContainers(ctx, svc.Endpoint())
			},
		},
		{
			Name:       StepAttachProjectNetworks,
			Corrective: true,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.AllContainersRunning() &&
					!svc.Sidecar.ProjectNetworksAttached &&
					!svc.Sidecar.Removal.CanRemove
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				for _, n := range svc.ProjectNetworks {
					if err := d.Sidecar.AttachNetwork(ctx, svc.Endpoint(), n.Name, n.Alias); err != nil {
						return err
					}
				}
				svc.Sidecar.ProjectNetworksAttached = true
				return nil
			},
		},
		{
			Name:       StepRemoveMarkedService,
			Corrective: true,
			Applies: func(svc *types.TrackedServiceContext) bool {
				return svc.Sidecar.Removal.CanRemove && !svc.Sidecar.Removal.WasRemoved
			},
			Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				// the workflow logs and records its own failures
				if err := d.Remover.Run(ctx, svc); err != nil {
					logger.Debug().Err(err).Str("service_name", svc.ServiceName).Msg("Removal did not complete")
				}
				return nil
			},
		},
	}
}
