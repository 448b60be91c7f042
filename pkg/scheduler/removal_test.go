package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type removalEnv struct {
	workflow *RemovalWorkflow
	registry *registry
	platform *fakePlatform
	sidecar  *fakeSidecar
	volumes  *fakeVolumes
}

func newRemovalEnv() *removalEnv {
	env := &removalEnv{
		registry: newRegistry(),
		platform: newFakePlatform(),
		sidecar:  newFakeSidecar(),
		volumes:  &fakeVolumes{},
	}
	env.workflow = &RemovalWorkflow{
		platform: env.platform,
		sidecar:  env.sidecar,
		volumes:  env.volumes,
		registry: env.registry,
		logger:   log.WithComponent("removal"),
	}
	return env
}

func runningService(t *testing.T) *types.TrackedServiceContext {
	t.Helper()
	svc := newService(t)
	svc.Sidecar.WasStarted = true
	svc.Sidecar.IsAvailable = true
	svc.Sidecar.Containers = []types.ContainerInspect{{Name: "web", State: types.ContainerStateRunning}}
	return svc
}

func TestRemovalRequiresSaveDecision(t *testing.T) {
	env := newRemovalEnv()
	svc := newService(t)

	err := env.workflow.Run(context.Background(), svc)
	assert.ErrorIs(t, err, ErrUnresolvedCanSave)
	env.platform.get(func(p *fakePlatform) { assert.Zero(t, p.removeCalls) })
}

func TestRemovalSavesThenTearsDown(t *testing.T) {
	env := newRemovalEnv()
	svc := runningService(t)
	require.NoError(t, env.registry.add(svc))
	svc.Sidecar.Removal.MarkToRemove(true)

	require.NoError(t, env.workflow.Run(context.Background(), svc))

	assert.True(t, svc.Sidecar.StateAndOutputsSaved)
	assert.True(t, svc.Sidecar.Removal.WasRemoved)
	assert.False(t, env.registry.isTracked(svc.NodeID))
	assert.True(t, env.volumes.scheduledFor(svc.NodeID))
	assert.Equal(t, 1, env.sidecar.count("stop"))
	assert.Equal(t, 1, env.sidecar.count("save"))
	assert.Equal(t, 1, env.sidecar.count("push"))
}

func TestRemovalSkipsSaveWithoutContainers(t *testing.T) {
	env := newRemovalEnv()
	svc := newService(t)
	require.NoError(t, env.registry.add(svc))
	svc.Sidecar.Removal.MarkToRemove(true)

	require.NoError(t, env.workflow.Run(context.Background(), svc))
	assert.Zero(t, env.sidecar.count("save"))
	assert.Zero(t, env.sidecar.count("stop"))
	assert.False(t, env.registry.isTracked(svc.NodeID))
}

func TestRemovalFreezesWhenSaveFails(t *testing.T) {
	env := newRemovalEnv()
	env.sidecar.saveErr = errors.New("disk full")
	svc := runningService(t)
	require.NoError(t, env.registry.add(svc))
	svc.Sidecar.Removal.MarkToRemove(true)

	err := env.workflow.Run(context.Background(), svc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.True(t, svc.Sidecar.WaitForManualIntervention)
	assert.True(t, svc.IsFailing())
	assert.Contains(t, svc.Sidecar.Status.Message, "manual intervention required")
	assert.Regexp(t, errorCodePattern, svc.Sidecar.Status.Message)
	assert.False(t, svc.Sidecar.Removal.WasRemoved)
	assert.True(t, env.registry.isTracked(svc.NodeID))
	env.platform.get(func(p *fakePlatform) { assert.Zero(t, p.removeCalls) })
	assert.False(t, env.volumes.scheduledFor(svc.NodeID))
}

func TestRemovalKeepsServiceWhenTeardownFails(t *testing.T) {
	env := newRemovalEnv()
	env.platform.removeErr = errors.New("containerd unavailable")
	svc := runningService(t)
	require.NoError(t, env.registry.add(svc))
	svc.Sidecar.Removal.MarkToRemove(false)

	err := env.workflow.Run(context.Background(), svc)
	require.Error(t, err)
	assert.False(t, svc.Sidecar.Removal.WasRemoved)
	assert.True(t, env.registry.isTracked(svc.NodeID))
	assert.Zero(t, env.sidecar.count("save"))
	assert.False(t, env.volumes.scheduledFor(svc.NodeID))
}
