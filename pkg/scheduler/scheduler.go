package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dynsched/pkg/events"
	"github.com/cuemby/dynsched/pkg/health"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/metrics"
	"github.com/cuemby/dynsched/pkg/reconciler"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"k8s.io/client-go/util/workqueue"
)

// Platform is the orchestration platform running sidecar stacks
type Platform interface {
	reconciler.Platform
	ServiceState(ctx context.Context, svc *types.TrackedServiceContext) (types.ServiceState, error)
	IsStackMissing(ctx context.Context, svc *types.TrackedServiceContext) (bool, error)
	RemoveStack(ctx context.Context, svc *types.TrackedServiceContext) error
	SaveContext(ctx context.Context, svc *types.TrackedServiceContext) error
	ListContexts(ctx context.Context) ([]*types.TrackedServiceContext, error)
}

// Sidecar is the per-service sidecar control API
type Sidecar interface {
	reconciler.Sidecar
	StopContainers(ctx context.Context, endpoint string) error
	RestartContainers(ctx context.Context, endpoint string) error
	SaveState(ctx context.Context, endpoint string) error
	PushOutputPorts(ctx context.Context, endpoint string, keys []string) error
	DetachNetwork(ctx context.Context, endpoint, network string) error
}

// VolumeCleaner removes the volumes of torn down services
type VolumeCleaner interface {
	ScheduleRemoval(ctx context.Context, svc *types.TrackedServiceContext) error
	RemoveOrphaned(ctx context.Context) (int, error)
}

// Config holds the scheduler timings
type Config struct {
	// Interval between two periodic enqueues of every tracked service
	Interval time.Duration

	// PendingVolumeRemovalInterval is the janitor period
	PendingVolumeRemovalInterval time.Duration

	// ShutdownTimeout bounds the wait for in-flight tasks on Shutdown
	ShutdownTimeout time.Duration

	// AbsenceCheckInterval is how often a frozen service asks the platform
	// whether its stack is gone
	AbsenceCheckInterval time.Duration

	Health         health.Config
	StartupTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.PendingVolumeRemovalInterval <= 0 {
		c.PendingVolumeRemovalInterval = 30 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.AbsenceCheckInterval <= 0 {
		c.AbsenceCheckInterval = 30 * time.Second
	}
}

// observation is the handle of one in-flight task
type observation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler tracks dynamic services and observes each of them periodically
type Scheduler struct {
	cfg      Config
	platform Platform
	sidecar  Sidecar
	volumes  VolumeCleaner
	broker   *events.Broker

	registry *registry
	removal  *RemovalWorkflow
	chain    *reconciler.Chain
	queue    workqueue.Interface
	janitor  *cron.Cron
	logger   zerolog.Logger

	keepRunning atomic.Bool
	counter     atomic.Uint64

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*observation

	loops     sync.WaitGroup
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. The broker may be nil.
func New(cfg Config, platform Platform, sidecar Sidecar, volumes VolumeCleaner, broker *events.Broker) *Scheduler {
	cfg.setDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:        cfg,
		platform:   platform,
		sidecar:    sidecar,
		volumes:    volumes,
		broker:     broker,
		registry:   newRegistry(),
		queue:      workqueue.New(),
		logger:     log.WithComponent("scheduler"),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		inflight:   make(map[string]*observation),
		stopCh:     make(chan struct{}),
	}
	s.removal = &RemovalWorkflow{
		platform: platform,
		sidecar:  sidecar,
		volumes:  volumes,
		registry: s.registry,
		broker:   broker,
		logger:   log.WithComponent("removal"),
	}
	s.chain = reconciler.NewChain(reconciler.DefaultSteps(reconciler.Deps{
		Platform:       platform,
		Sidecar:        sidecar,
		Remover:        s.removal,
		Health:         cfg.Health,
		StartupTimeout: cfg.StartupTimeout,
	})...)
	return s
}

// Start rebuilds the registry from the platform and then starts the
// periodic enqueuer, the queue consumer and the volume janitor. Calling it
// again has no effect.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if _, err = s.Discover(ctx); err != nil {
			return
		}

		s.janitor = cron.New()
		spec := fmt.Sprintf("@every %s", s.cfg.PendingVolumeRemovalInterval)
		if _, err = s.janitor.AddFunc(spec, s.removeOrphanedVolumes); err != nil {
			err = fmt.Errorf("failed to schedule volume janitor: %w", err)
			return
		}

		s.keepRunning.Store(true)
		s.loops.Add(2)
		go s.enqueueLoop()
		go s.consumeLoop()
		s.janitor.Start()

		s.logger.Info().
			Dur("interval", s.cfg.Interval).
			Int("tracked", s.registry.TrackedCount()).
			Msg("Scheduler started")
	})
	return err
}

// Shutdown stops the loops, cancels every in-flight task and waits for
// them at most ShutdownTimeout. Tasks that do not return in time are
// logged and abandoned. It is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		s.keepRunning.Store(false)
		close(s.stopCh)
		s.queue.ShutDown()
		s.loops.Wait()

		waitCtx, cancelWait := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancelWait()

		if s.janitor != nil {
			select {
			case <-s.janitor.Stop().Done():
			case <-waitCtx.Done():
				s.logger.Error().Msg("Timed out waiting for volume janitor")
			}
		}

		s.mu.Lock()
		pending := make(map[string]*observation, len(s.inflight))
		for name, obs := range s.inflight {
			obs.cancel()
			pending[name] = obs
		}
		s.mu.Unlock()
		s.rootCancel()

		var stuck []string
		for name, obs := range pending {
			select {
			case <-obs.done:
				continue
			default:
			}
			select {
			case <-obs.done:
			case <-waitCtx.Done():
				stuck = append(stuck, name)
			}
		}

		if len(stuck) > 0 {
			sort.Strings(stuck)
			s.logger.Error().
				Strs("services", stuck).
				Dur("timeout", s.cfg.ShutdownTimeout).
				Msg("Observation tasks did not stop in time")
			return
		}
		s.logger.Info().Msg("Scheduler stopped")
	})
}

// enqueueLoop adds every tracked service to the queue once per interval
func (s *Scheduler) enqueueLoop() {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.enqueueAll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) enqueueAll() {
	if !s.keepRunning.Load() {
		return
	}
	s.registry.each(func(name string) {
		s.queue.Add(name)
	})
	s.counter.Add(1)
	metrics.ObservationCycles.Inc()
}

// consumeLoop hands queued service names to dispatch until the queue is
// shut down
func (s *Scheduler) consumeLoop() {
	defer s.loops.Done()

	for {
		item, shutdown := s.queue.Get()
		if shutdown {
			return
		}
		s.dispatch(item.(string))
	}
}

// dispatch spawns an observation task for name unless one is running or
// observation is disabled. The queue keeps name marked as processing until
// the task is done, so triggers arriving meanwhile collapse into a single
// follow-up run.
func (s *Scheduler) dispatch(name string) {
	if !s.keepRunning.Load() {
		s.queue.Done(name)
		return
	}

	state, gen, ok := s.registry.tryBegin(name)
	if !ok {
		s.queue.Done(name)
		metrics.TriggersDropped.Inc()
		s.logger.Debug().
			Str("service_name", name).
			Str("run_state", state.String()).
			Msg("Skipping observation")
		return
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	obs := &observation{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.inflight[name] = obs
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.registry.finish(name, gen)
			s.mu.Lock()
			delete(s.inflight, name)
			s.mu.Unlock()
			close(obs.done)
			s.queue.Done(name)
		}()
		s.observe(ctx, name, gen)
	}()
}

// observe runs one observation cycle of a service. Whatever happens to the
// service stays inside this call.
func (s *Scheduler) observe(ctx context.Context, name string, gen uint64) {
	base, ok := s.registry.snapshot(name, gen)
	if !ok {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ObservationDuration)

	svc := base.Clone()
	logger := log.WithService(s.logger, svc.ServiceName, svc.NodeID)

	outcome := s.runObservation(ctx, svc, logger)
	metrics.ObservationsTotal.WithLabelValues(outcome).Inc()

	stored, ok := s.registry.commit(gen, base, svc)
	if !ok {
		return
	}
	if !types.NeedsPersist(base, stored) {
		return
	}
	if err := s.platform.SaveContext(ctx, stored); err != nil {
		metrics.LabelPersistFailures.Inc()
		logger.Warn().Err(err).Msg("Failed to persist service context")
	}
}

// Observation outcomes
const (
	outcomeOK          = "ok"
	outcomeFailed      = "failed"
	outcomeCanceled    = "canceled"
	outcomeFrozen      = "frozen"
	outcomeRemoved     = "removed"
	outcomeRemovalFail = "removal_failed"
)

func (s *Scheduler) runObservation(ctx context.Context, svc *types.TrackedServiceContext, logger zerolog.Logger) string {
	if svc.IsFailing() {
		return s.observeFailing(ctx, svc, logger)
	}

	err := s.runChain(ctx, svc, logger)
	if err == nil {
		return outcomeOK
	}
	if ctx.Err() != nil {
		logger.Debug().Err(err).Msg("Observation interrupted")
		return outcomeCanceled
	}

	code := newErrorCode()
	svc.Sidecar.Status.MarkFailing(fmt.Sprintf("This service (%s) unexpectedly failed", svc.ServiceName), code)
	logger.Error().
		Err(err).
		Str("error_code", code).
		Msg("Observation failed")
	s.broker.Publish(events.NewEvent(events.EventServiceFailing, svc.NodeID, svc.ServiceName, svc.Sidecar.Status.Message))
	return outcomeFailed
}

// runChain runs the reconciliation chain and turns a panic into an error
func (s *Scheduler) runChain(ctx context.Context, svc *types.TrackedServiceContext, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("stack", string(debug.Stack())).Msg("Recovered panic in observation")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	_, err = s.chain.Run(ctx, svc)
	return err
}

// observeFailing never runs the chain. A frozen service is only removed
// once the platform confirms its stack is gone; any other failing service
// goes through removal.
func (s *Scheduler) observeFailing(ctx context.Context, svc *types.TrackedServiceContext, logger zerolog.Logger) string {
	if svc.Sidecar.WaitForManualIntervention {
		if s.counter.Load()%s.absenceCheckEvery() != 0 {
			return outcomeFrozen
		}
		missing, err := s.platform.IsStackMissing(ctx, svc)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not check whether the stack is gone")
			return outcomeFrozen
		}
		if !missing {
			logger.Debug().Msg("Waiting for manual intervention")
			return outcomeFrozen
		}
		logger.Info().Msg("Stack of frozen service is gone, removing it")
		svc.Sidecar.Removal.MarkToRemove(false)
	} else if svc.Sidecar.Removal.CanSave == nil {
		canSave := false
		svc.Sidecar.Removal.CanSave = &canSave
	}

	if err := s.removal.Run(ctx, svc); err != nil {
		return outcomeRemovalFail
	}
	return outcomeRemoved
}

// absenceCheckEvery converts AbsenceCheckInterval into a number of cycles
func (s *Scheduler) absenceCheckEvery() uint64 {
	n := uint64(s.cfg.AbsenceCheckInterval / s.cfg.Interval)
	if n < 1 {
		return 1
	}
	return n
}

// removeOrphanedVolumes is the janitor job
func (s *Scheduler) removeOrphanedVolumes() {
	ctx, cancel := context.WithTimeout(s.rootCtx, s.cfg.PendingVolumeRemovalInterval)
	defer cancel()

	removed, err := s.volumes.RemoveOrphaned(ctx)
	metrics.JanitorVolumesRemoved.Add(float64(removed))
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentJanitor, false, err.Error())
		s.logger.Warn().Err(err).Msg("Volume janitor left orphaned volumes behind")
		return
	}
	metrics.UpdateComponent(metrics.ComponentJanitor, true, fmt.Sprintf("removed %d orphaned volume sets", removed))
}

// TrackedCount returns the number of tracked services
func (s *Scheduler) TrackedCount() int {
	return s.registry.TrackedCount()
}

// FailingCount returns the number of tracked services that are failing
func (s *Scheduler) FailingCount() int {
	return s.registry.FailingCount()
}
