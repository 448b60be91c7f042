package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for dynsched
	DefaultNamespace = "dynsched"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cpuPeriod is the CFS period used to express CPU limits
	cpuPeriod = 100000
)

// VolumeProvider prepares the bind mounts of a sidecar
type VolumeProvider interface {
	PrepareVolumes(svc *types.TrackedServiceContext) ([]specs.Mount, error)
}

// Config configures the containerd platform
type Config struct {
	SocketPath      string
	Namespace       string
	SidecarImage    string
	ProxyImage      string // Optional; no proxy is started when empty
	StopGracePeriod time.Duration
}

// ContainerdRuntime runs sidecar stacks as containerd containers. The
// sidecar container carries the full service context in its labels.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	cfg       Config
	volumes   VolumeProvider
	logger    zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(cfg Config, volumes VolumeProvider) (*ContainerdRuntime, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: cfg.Namespace,
		cfg:       cfg,
		volumes:   volumes,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that containerd answers
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.Version(ctx); err != nil {
		return fmt.Errorf("containerd unreachable: %w", err)
	}
	return nil
}

// CreateSidecar creates and starts the sidecar container, then the proxy
// when a proxy image is configured. It returns the sidecar container id.
func (r *ContainerdRuntime) CreateSidecar(ctx context.Context, svc *types.TrackedServiceContext) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	labels, err := types.EncodeLabels(svc)
	if err != nil {
		return "", err
	}

	var mounts []specs.Mount
	if r.volumes != nil {
		mounts, err = r.volumes.PrepareVolumes(svc)
		if err != nil {
			return "", fmt.Errorf("failed to prepare volumes: %w", err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithEnv(sidecarEnv(svc)),
		oci.WithHostname(svc.ServiceName),
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	opts = append(opts, resourceOpts(svc.Resources)...)

	if err := r.createAndStart(ctx, svc.ServiceName, r.cfg.SidecarImage, labels, opts); err != nil {
		return "", err
	}

	if r.cfg.ProxyImage != "" {
		proxyLabels := map[string]string{
			types.LabelType:   types.TypeProxy,
			types.LabelNodeID: svc.NodeID,
			types.LabelRunID:  svc.RunID,
		}
		proxyOpts := []oci.SpecOpts{
			oci.WithEnv([]string{"DYNSCHED_UPSTREAM=" + svc.Endpoint()}),
			oci.WithHostname(svc.ProxyServiceName),
		}
		if err := r.createAndStart(ctx, svc.ProxyServiceName, r.cfg.ProxyImage, proxyLabels, proxyOpts); err != nil {
			return "", err
		}
	}

	r.logger.Info().
		Str("service_name", svc.ServiceName).
		Str("node_id", svc.NodeID).
		Msg("Sidecar started")
	return svc.ServiceName, nil
}

func (r *ContainerdRuntime) createAndStart(ctx context.Context, id, imageRef string, labels map[string]string, opts []oci.SpecOpts) error {
	image, err := r.ensureImage(ctx, imageRef)
	if err != nil {
		return err
	}

	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, opts...)
	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(labels),
	)
	switch {
	case errdefs.IsAlreadyExists(err):
		// left over from a create whose result was never recorded
		container, err = r.client.LoadContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load existing container %s: %w", id, err)
		}
		if _, err := container.SetLabels(ctx, labels); err != nil {
			return fmt.Errorf("failed to relabel container %s: %w", id, err)
		}
		r.logger.Info().Str("container", id).Msg("Container already exists, adopting it")
	case err != nil:
		return fmt.Errorf("failed to create container %s: %w", id, err)
	}

	return r.ensureTask(ctx, container)
}

// taskStep is what ensureTask does with the task it finds
type taskStep int

const (
	taskKeep     taskStep = iota // running or paused
	taskStart                    // created but never started
	taskRecreate                 // stopped or in an unknown state
)

func nextTaskStep(status containerd.ProcessStatus) taskStep {
	switch status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return taskKeep
	case containerd.Created:
		return taskStart
	default:
		return taskRecreate
	}
}

// ensureTask leaves the container with a started task, reusing the one it
// has when possible
func (r *ContainerdRuntime) ensureTask(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return startNewTask(ctx, container)
	}
	if err != nil {
		return fmt.Errorf("failed to load task for %s: %w", id, err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get task status for %s: %w", id, err)
	}
	switch nextTaskStep(status.Status) {
	case taskKeep:
		return nil
	case taskStart:
		if err := task.Start(ctx); err != nil {
			return fmt.Errorf("failed to start task for %s: %w", id, err)
		}
		return nil
	default:
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete stale task for %s: %w", id, err)
		}
		return startNewTask(ctx, container)
	}
}

func startNewTask(ctx context.Context, container containerd.Container) error {
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", container.ID(), err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", container.ID(), err)
	}
	return nil
}

func (r *ContainerdRuntime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// ServiceState reports the state of the sidecar container
func (r *ContainerdRuntime) ServiceState(ctx context.Context, svc *types.TrackedServiceContext) (types.ServiceState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, svc.ServiceName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ServiceStatePending, nil
		}
		return types.ServiceStateFailed, fmt.Errorf("failed to load container %s: %w", svc.ServiceName, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ServiceStateStarting, nil
		}
		return types.ServiceStateFailed, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ServiceStateFailed, fmt.Errorf("failed to get task status: %w", err)
	}
	return mapTaskStatus(status), nil
}

func mapTaskStatus(status containerd.Status) types.ServiceState {
	switch status.Status {
	case containerd.Running:
		return types.ServiceStateRunning
	case containerd.Created, containerd.Paused, containerd.Pausing:
		return types.ServiceStateStarting
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.ServiceStateComplete
		}
		return types.ServiceStateFailed
	default:
		return types.ServiceStatePending
	}
}

// IsStackMissing reports whether neither the sidecar nor the proxy exists
func (r *ContainerdRuntime) IsStackMissing(ctx context.Context, svc *types.TrackedServiceContext) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	for _, id := range []string{svc.ServiceName, svc.ProxyServiceName} {
		_, err := r.client.LoadContainer(ctx, id)
		if err == nil {
			return false, nil
		}
		if !errdefs.IsNotFound(err) {
			return false, fmt.Errorf("failed to load container %s: %w", id, err)
		}
	}
	return true, nil
}

// RemoveStack stops and deletes the proxy and the sidecar. Containers that
// do not exist are skipped.
func (r *ContainerdRuntime) RemoveStack(ctx context.Context, svc *types.TrackedServiceContext) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	var errs []error
	for _, id := range []string{svc.ProxyServiceName, svc.ServiceName} {
		if err := r.deleteContainer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.logger.Info().
		Str("service_name", svc.ServiceName).
		Str("node_id", svc.NodeID).
		Msg("Sidecar stack removed")
	return nil
}

func (r *ContainerdRuntime) deleteContainer(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if err := r.stopTask(ctx, container); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", id, err)
	}
	return nil
}

// stopTask sends SIGTERM, waits for the grace period, then SIGKILL
func (r *ContainerdRuntime) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// no task means nothing is running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopGracePeriod)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// SaveContext rewrites the context labels of the sidecar container
func (r *ContainerdRuntime) SaveContext(ctx context.Context, svc *types.TrackedServiceContext) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	labels, err := types.EncodeLabels(svc)
	if err != nil {
		return err
	}

	container, err := r.client.LoadContainer(ctx, svc.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", svc.ServiceName, err)
	}

	// drop chunks left over from a larger previous encoding
	current, err := container.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to read labels: %w", err)
	}
	for k := range current {
		if _, keep := labels[k]; !keep && isContextLabel(k) {
			labels[k] = ""
		}
	}

	if _, err := container.SetLabels(ctx, labels); err != nil {
		return fmt.Errorf("failed to set labels on %s: %w", svc.ServiceName, err)
	}
	return nil
}

// ListContexts decodes the context of every sidecar container. Containers
// with labels that cannot be decoded are logged and skipped.
func (r *ContainerdRuntime) ListContexts(ctx context.Context) ([]*types.TrackedServiceContext, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	filter := fmt.Sprintf("labels.%q==%s", types.LabelType, types.TypeSidecar)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*types.TrackedServiceContext, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("container", c.ID()).Msg("Failed to read labels")
			continue
		}
		svc, err := types.DecodeLabels(labels)
		if err != nil {
			r.logger.Warn().Err(err).Str("container", c.ID()).Msg("Failed to decode service context")
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

func isContextLabel(k string) bool {
	return strings.HasPrefix(k, types.LabelContextPrefix)
}

func sidecarEnv(svc *types.TrackedServiceContext) []string {
	return []string{
		"DYNSCHED_NODE_ID=" + svc.NodeID,
		"DYNSCHED_RUN_ID=" + svc.RunID,
		"DYNSCHED_PROJECT_ID=" + svc.ProjectID,
		"DYNSCHED_OWNER_ID=" + svc.OwnerID,
		"DYNSCHED_SERVICE_KEY=" + svc.ServiceKey,
		"DYNSCHED_SERVICE_VERSION=" + svc.ServiceVersion,
		"DYNSCHED_INPUTS_PATH=" + svc.Paths.InputsPath,
		"DYNSCHED_OUTPUTS_PATH=" + svc.Paths.OutputsPath,
		fmt.Sprintf("DYNSCHED_PORT=%d", svc.Port),
	}
}

func resourceOpts(res *types.ResourceRequirements) []oci.SpecOpts {
	if res == nil {
		return nil
	}
	var opts []oci.SpecOpts
	if res.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(res.MemoryLimit)))
	}
	if res.CPULimit > 0 {
		opts = append(opts, oci.WithCPUCFS(int64(res.CPULimit*cpuPeriod), cpuPeriod))
	}
	return opts
}
