package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/metrics"
	"github.com/cuemby/dynsched/pkg/reconciler"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errorCodePattern = regexp.MustCompile(`\[OEC:[0-9a-f]{8}\]$`)

func TestAddServiceRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	svc := newService(t)

	require.NoError(t, env.sched.AddService(svc))

	dup, err := types.NewTrackedServiceContext(types.ServiceSpec{NodeID: svc.NodeID})
	require.NoError(t, err)
	err = env.sched.AddService(dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	var dupErr *DuplicateIdentityError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, svc.ServiceName, dupErr.ServiceName)

	assert.Equal(t, 1, env.sched.TrackedCount())
	got, err := env.sched.GetTrackedContext(svc.NodeID)
	require.NoError(t, err)
	assert.Equal(t, svc.RunID, got.RunID)
}

func TestTriggersDuringRunCoalesce(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	env.useChain(reconciler.Step{
		Name:    "count",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			if runs.Add(1) == 1 {
				close(started)
				<-release
			}
			return nil
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	<-started

	for i := 0; i < 10; i++ {
		env.sched.queue.Add(svc.ServiceName)
		env.sched.enqueueAll()
	}
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 10 * time.Millisecond})
	env.platform.set(func(p *fakePlatform) { p.removeErr = errors.New("platform down") })

	bad := newService(t)
	good := newService(t)
	var goodRuns atomic.Int32
	env.useChain(reconciler.Step{
		Name:    "explode",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			if svc.NodeID == bad.NodeID {
				panic("boom")
			}
			goodRuns.Add(1)
			return nil
		},
	})
	env.start(t)

	require.NoError(t, env.sched.AddService(bad))
	require.NoError(t, env.sched.AddService(good))

	require.Eventually(t, func() bool {
		svc, err := env.sched.GetTrackedContext(bad.NodeID)
		return err == nil && svc.IsFailing()
	}, 2*time.Second, 5*time.Millisecond)

	seen := goodRuns.Load()
	require.Eventually(t, func() bool { return goodRuns.Load() >= seen+5 }, 2*time.Second, 5*time.Millisecond)

	svc, err := env.sched.GetTrackedContext(good.NodeID)
	require.NoError(t, err)
	assert.False(t, svc.IsFailing())
	assert.True(t, env.sched.IsServiceTracked(bad.NodeID))
}

func TestChainFailureMarksServiceFailing(t *testing.T) {
	tests := []struct {
		name   string
		action func(ctx context.Context, svc *types.TrackedServiceContext) error
	}{
		{
			name: "error",
			action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				return errors.New("boom")
			},
		},
		{
			name: "panic",
			action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{Interval: time.Hour})
			env.useChain(reconciler.Step{Name: "boom", Applies: always, Action: tt.action})
			env.start(t)

			svc := newService(t)
			require.NoError(t, env.sched.AddService(svc))

			require.Eventually(t, func() bool {
				got, err := env.sched.GetTrackedContext(svc.NodeID)
				return err == nil && got.IsFailing()
			}, 2*time.Second, 5*time.Millisecond)

			got, err := env.sched.GetTrackedContext(svc.NodeID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusFailing, got.Sidecar.Status.Current)
			assert.Contains(t, got.Sidecar.Status.Message, "This service ("+svc.ServiceName+") unexpectedly failed")
			assert.Regexp(t, errorCodePattern, got.Sidecar.Status.Message)

			require.Eventually(t, func() bool {
				var persisted bool
				env.platform.get(func(p *fakePlatform) {
					saved, ok := p.saved[svc.NodeID]
					persisted = ok && saved.IsFailing()
				})
				return persisted
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestFrozenServiceStaysUntilStackIsGone(t *testing.T) {
	env := newTestEnv(t, Config{
		Interval:             5 * time.Millisecond,
		AbsenceCheckInterval: 5 * time.Millisecond,
	})
	env.start(t)

	svc := newService(t)
	svc.Sidecar.Removal.MarkToRemove(true)
	svc.Sidecar.WaitForManualIntervention = true
	svc.Sidecar.Status.MarkFailing("save failed", "OEC:00000000")
	require.NoError(t, env.sched.AddService(svc))

	start := env.sched.counter.Load()
	require.Eventually(t, func() bool { return env.sched.counter.Load() >= start+12 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, env.sched.IsServiceTracked(svc.NodeID))
	env.platform.get(func(p *fakePlatform) {
		assert.Zero(t, p.removeCalls)
		assert.Positive(t, p.missingChecks)
	})
	assert.Zero(t, env.sidecar.count("save"))

	env.platform.set(func(p *fakePlatform) { p.stackMissing = true })
	require.Eventually(t, func() bool { return !env.sched.IsServiceTracked(svc.NodeID) }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, env.sidecar.count("save"))
	env.platform.get(func(p *fakePlatform) {
		assert.Equal(t, []string{svc.ServiceName}, p.removed)
	})
}

func TestFailingServiceIsTornDown(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 10 * time.Millisecond})
	env.start(t)

	svc := newService(t)
	svc.Sidecar.Status.MarkFailing("boom", "OEC:00000000")
	require.NoError(t, env.sched.AddService(svc))

	require.Eventually(t, func() bool { return !env.sched.IsServiceTracked(svc.NodeID) }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.volumes.scheduledFor(svc.NodeID))
	env.platform.get(func(p *fakePlatform) {
		assert.Equal(t, []string{svc.ServiceName}, p.removed)
	})

	_, err := env.sched.GetTrackedContext(svc.NodeID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailedTeardownIsRetried(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 10 * time.Millisecond})
	env.platform.set(func(p *fakePlatform) { p.removeErr = errors.New("platform down") })
	env.start(t)

	svc := newService(t)
	svc.Sidecar.Status.MarkFailing("boom", "OEC:00000000")
	require.NoError(t, env.sched.AddService(svc))

	require.Eventually(t, func() bool {
		var calls int
		env.platform.get(func(p *fakePlatform) { calls = p.removeCalls })
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.sched.IsServiceTracked(svc.NodeID))

	env.platform.set(func(p *fakePlatform) { p.removeErr = nil })
	require.Eventually(t, func() bool { return !env.sched.IsServiceTracked(svc.NodeID) }, 2*time.Second, 5*time.Millisecond)
}

func TestMarkedServiceIsRemovedByChain(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 10 * time.Millisecond})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	require.Eventually(t, func() bool {
		got, err := env.sched.GetTrackedContext(svc.NodeID)
		return err == nil && got.Sidecar.IsAvailable
	}, 2*time.Second, 5*time.Millisecond)

	err := env.sched.MarkServiceForRemoval(context.Background(), svc.NodeID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !env.sched.IsServiceTracked(svc.NodeID) }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, env.sidecar.count("stop"))
	env.platform.get(func(p *fakePlatform) {
		assert.Equal(t, []string{svc.ServiceName}, p.created)
		assert.True(t, p.saved[svc.NodeID].Sidecar.Removal.CanRemove)
	})

	err = env.sched.MarkServiceForRemoval(context.Background(), svc.NodeID, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToggleObservationCycle(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 10 * time.Millisecond})

	var runs atomic.Int32
	env.useChain(reconciler.Step{
		Name:    "count",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			runs.Add(1)
			return nil
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		ok, err := env.sched.ToggleObservationCycle(svc.NodeID, true)
		return err == nil && ok
	}, 2*time.Second, time.Millisecond)

	disabledAt := runs.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, disabledAt, runs.Load())
	state, _ := env.sched.registry.runState(svc.ServiceName)
	assert.Equal(t, RunStateDisabled, state)

	ok, err := env.sched.ToggleObservationCycle(svc.NodeID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool { return runs.Load() > disabledAt }, 2*time.Second, 5*time.Millisecond)

	_, err = env.sched.ToggleObservationCycle("unknown", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToggleRefusedWhileRunning(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})

	started := make(chan struct{})
	release := make(chan struct{})
	env.useChain(reconciler.Step{
		Name:    "block",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			close(started)
			<-release
			return nil
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	<-started

	ok, err := env.sched.ToggleObservationCycle(svc.NodeID, true)
	require.NoError(t, err)
	assert.False(t, ok)
	state, _ := env.sched.registry.runState(svc.ServiceName)
	assert.Equal(t, RunStateRunning, state)

	close(release)
	require.Eventually(t, func() bool {
		ok, err := env.sched.ToggleObservationCycle(svc.NodeID, true)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStaleTaskDoesNotOverwriteNewRegistration(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var seenRun atomic.Value
	env.useChain(reconciler.Step{
		Name:    "block-first",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				svc.Sidecar.WasStarted = true
				return nil
			}
			seenRun.Store(svc.RunID)
			return nil
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	<-started

	require.NoError(t, env.sched.RemoveServiceFromObservation(svc.NodeID))
	again := svc.Clone()
	again.RunID = uuid.New().String()
	require.NoError(t, env.sched.AddService(again))
	close(release)

	require.Eventually(t, func() bool {
		run, _ := seenRun.Load().(string)
		return run == again.RunID
	}, 2*time.Second, 5*time.Millisecond)

	got, err := env.sched.GetTrackedContext(svc.NodeID)
	require.NoError(t, err)
	assert.Equal(t, again.RunID, got.RunID)
	assert.False(t, got.Sidecar.WasStarted)
}

func TestShutdownDoesNotWaitForStuckTasks(t *testing.T) {
	logs := &syncBuffer{}
	previous := log.Logger
	log.Logger = zerolog.New(logs)
	t.Cleanup(func() { log.Logger = previous })

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	env := newTestEnv(t, Config{Interval: time.Hour, ShutdownTimeout: 100 * time.Millisecond})
	started := make(chan struct{})
	env.useChain(reconciler.Step{
		Name:    "hang",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			close(started)
			<-hang
			return nil
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	<-started

	begin := time.Now()
	env.sched.Shutdown()
	assert.Less(t, time.Since(begin), time.Second)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "Observation tasks did not stop in time"))
	assert.Contains(t, out, svc.ServiceName)
	assert.Contains(t, out, `"level":"error"`)

	// second call is a no-op
	begin = time.Now()
	env.sched.Shutdown()
	assert.Less(t, time.Since(begin), 50*time.Millisecond)
	assert.Equal(t, 1, strings.Count(logs.String(), "Observation tasks did not stop in time"))
}

func TestShutdownCancelsTasks(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, ShutdownTimeout: time.Second})
	started := make(chan struct{})
	env.useChain(reconciler.Step{
		Name:    "wait",
		Applies: always,
		Action: func(ctx context.Context, svc *types.TrackedServiceContext) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	env.start(t)

	svc := newService(t)
	require.NoError(t, env.sched.AddService(svc))
	<-started

	env.sched.Shutdown()

	// a canceled cycle is not a service failure
	got, err := env.sched.GetTrackedContext(svc.NodeID)
	require.NoError(t, err)
	assert.False(t, got.IsFailing())
	env.sched.mu.Lock()
	assert.Empty(t, env.sched.inflight)
	env.sched.mu.Unlock()
}

func TestStartDiscoversServices(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	env.useChain()

	a, b := newService(t), newService(t)
	env.platform.set(func(p *fakePlatform) { p.contexts = []*types.TrackedServiceContext{a, b} })
	env.start(t)

	assert.Equal(t, 2, env.sched.TrackedCount())
	assert.True(t, env.sched.IsServiceTracked(a.NodeID))
	assert.True(t, env.sched.IsServiceTracked(b.NodeID))
}

func TestJanitorRecordsRemovals(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour})
	env.volumes.sweepErr = errors.New("one volume is busy")
	env.sched.removeOrphanedVolumes()

	janitor := metrics.GetHealth().Components[metrics.ComponentJanitor]
	assert.False(t, janitor.Healthy)
	assert.Equal(t, "one volume is busy", janitor.Message)

	env.volumes.sweepErr = nil
	env.sched.removeOrphanedVolumes()
	janitor = metrics.GetHealth().Components[metrics.ComponentJanitor]
	assert.True(t, janitor.Healthy)
	assert.Equal(t, "removed 2 orphaned volume sets", janitor.Message)

	env.volumes.mu.Lock()
	defer env.volumes.mu.Unlock()
	assert.Equal(t, 2, env.volumes.janitor)
}

func TestAbsenceCheckEvery(t *testing.T) {
	tests := []struct {
		interval time.Duration
		check    time.Duration
		want     uint64
	}{
		{5 * time.Second, 30 * time.Second, 6},
		{7 * time.Second, 30 * time.Second, 4},
		{time.Minute, 30 * time.Second, 1},
		{10 * time.Millisecond, 10 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		s := New(Config{Interval: tt.interval, AbsenceCheckInterval: tt.check}, nil, nil, nil, nil)
		assert.Equal(t, tt.want, s.absenceCheckEvery(), "%s/%s", tt.check, tt.interval)
	}
}
