package scheduler

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/dynsched/pkg/health"
	"github.com/cuemby/dynsched/pkg/reconciler"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu sync.Mutex

	state         types.ServiceState
	stateCalls    int
	stackMissing  bool
	missingChecks int
	removeErr     error
	removeCalls   int
	removed       []string
	saveCalls     int
	saved         map[string]*types.TrackedServiceContext
	contexts      []*types.TrackedServiceContext
	created       []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		state: types.ServiceStateRunning,
		saved: make(map[string]*types.TrackedServiceContext),
	}
}

func (p *fakePlatform) CreateSidecar(ctx context.Context, svc *types.TrackedServiceContext) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, svc.ServiceName)
	return svc.ServiceName, nil
}

func (p *fakePlatform) ServiceState(ctx context.Context, svc *types.TrackedServiceContext) (types.ServiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCalls++
	return p.state, nil
}

func (p *fakePlatform) IsStackMissing(ctx context.Context, svc *types.TrackedServiceContext) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missingChecks++
	return p.stackMissing, nil
}

func (p *fakePlatform) RemoveStack(ctx context.Context, svc *types.TrackedServiceContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeCalls++
	if p.removeErr != nil {
		return p.removeErr
	}
	p.removed = append(p.removed, svc.ServiceName)
	return nil
}

func (p *fakePlatform) SaveContext(ctx context.Context, svc *types.TrackedServiceContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveCalls++
	p.saved[svc.NodeID] = svc.Clone()
	return nil
}

func (p *fakePlatform) ListContexts(ctx context.Context) ([]*types.TrackedServiceContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.TrackedServiceContext, 0, len(p.contexts))
	for _, c := range p.contexts {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (p *fakePlatform) set(fn func(p *fakePlatform)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakePlatform) get(fn func(p *fakePlatform)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type fakeSidecar struct {
	mu sync.Mutex

	healthy    bool
	containers []types.ContainerInspect
	statusErr  error
	saveErr    error
	transfer   int64
	calls      map[string]int
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{healthy: true, calls: make(map[string]int)}
}

func (s *fakeSidecar) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call]++
}

func (s *fakeSidecar) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[call]
}

func (s *fakeSidecar) Health(ctx context.Context, endpoint string) health.Result {
	s.record("health")
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.Result{Healthy: s.healthy, CheckedAt: time.Now()}
}

func (s *fakeSidecar) ContainersStatus(ctx context.Context, endpoint string) ([]types.ContainerInspect, error) {
	s.record("status")
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ContainerInspect(nil), s.containers...), s.statusErr
}

func (s *fakeSidecar) RestoreState(ctx context.Context, endpoint string) error {
	s.record("restore")
	return nil
}

func (s *fakeSidecar) PullInputPorts(ctx context.Context, endpoint string, keys []string) (int64, error) {
	s.record("pull")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer, nil
}

func (s *fakeSidecar) SubmitComposeSpec(ctx context.Context, endpoint, spec string) error {
	s.record("compose")
	return nil
}

func (s *fakeSidecar) CreateContainers(ctx context.Context, endpoint string) error {
	s.record("create")
	return nil
}

func (s *fakeSidecar) AttachNetwork(ctx context.Context, endpoint, network, alias string) error {
	s.record("attach")
	return nil
}

func (s *fakeSidecar) StopContainers(ctx context.Context, endpoint string) error {
	s.record("stop")
	return nil
}

func (s *fakeSidecar) RestartContainers(ctx context.Context, endpoint string) error {
	s.record("restart")
	return nil
}

func (s *fakeSidecar) SaveState(ctx context.Context, endpoint string) error {
	s.record("save")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

func (s *fakeSidecar) PushOutputPorts(ctx context.Context, endpoint string, keys []string) error {
	s.record("push")
	return nil
}

func (s *fakeSidecar) DetachNetwork(ctx context.Context, endpoint, network string) error {
	s.record("detach")
	return nil
}

type fakeVolumes struct {
	mu        sync.Mutex
	scheduled []string
	janitor   int
	sweepErr  error
}

func (v *fakeVolumes) ScheduleRemoval(ctx context.Context, svc *types.TrackedServiceContext) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scheduled = append(v.scheduled, svc.NodeID)
	return nil
}

func (v *fakeVolumes) RemoveOrphaned(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.janitor++
	return 2, v.sweepErr
}

func (v *fakeVolumes) scheduledFor(nodeID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range v.scheduled {
		if id == nodeID {
			return true
		}
	}
	return false
}

type testEnv struct {
	sched    *Scheduler
	platform *fakePlatform
	sidecar  *fakeSidecar
	volumes  *fakeVolumes
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 500 * time.Millisecond
	}
	env := &testEnv{
		platform: newFakePlatform(),
		sidecar:  newFakeSidecar(),
		volumes:  &fakeVolumes{},
	}
	env.sched = New(cfg, env.platform, env.sidecar, env.volumes, nil)
	t.Cleanup(env.sched.Shutdown)
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.sched.Start(context.Background()))
}

// useChain replaces the default steps
func (e *testEnv) useChain(steps ...reconciler.Step) {
	e.sched.chain = reconciler.NewChain(steps...)
}

func newService(t *testing.T) *types.TrackedServiceContext {
	t.Helper()
	svc, err := types.NewTrackedServiceContext(types.ServiceSpec{
		NodeID:      uuid.New().String(),
		ComposeSpec: "services: {}",
	})
	require.NoError(t, err)
	return svc
}

func always(*types.TrackedServiceContext) bool { return true }

// syncBuffer is a log sink safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
