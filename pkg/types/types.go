package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrackedServiceContext is everything the scheduler knows about one dynamic
// service: its static description and the state observed on the platform.
type TrackedServiceContext struct {
	NodeID           string
	ServiceName      string
	ProxyServiceName string
	NetworkName      string
	RunID            string

	ProjectID      string
	OwnerID        string
	ServiceKey     string
	ServiceVersion string

	Hostname string // Sidecar hostname, reachable from the scheduler
	Port     int    // Sidecar API port

	ProjectNetworks []ProjectNetwork
	Resources       *ResourceRequirements
	RestartPolicy   RestartPolicy
	ComposeSpec     string
	Paths           PathMappings

	RequestDNS    string
	RequestScheme string

	CreatedAt time.Time

	Sidecar SidecarState
}

// ProjectNetwork is a network the user services join once they run
type ProjectNetwork struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// ResourceRequirements defines CPU and memory for the sidecar stack
type ResourceRequirements struct {
	CPULimit          float64 `yaml:"cpu_limit"`    // CPU cores (e.g., 0.5 = half core)
	MemoryLimit       int64   `yaml:"memory_limit"` // Bytes
	CPUReservation    float64 `yaml:"cpu_reservation"`
	MemoryReservation int64   `yaml:"memory_reservation"`
}

// PathMappings tells the sidecar where inputs, outputs and state live
type PathMappings struct {
	InputsPath  string   `yaml:"inputs_path"`
	OutputsPath string   `yaml:"outputs_path"`
	StatePaths  []string `yaml:"state_paths"`
}

// RestartPolicy decides what happens after inputs are downloaded
type RestartPolicy string

const (
	RestartPolicyNoRestart          RestartPolicy = "no-restart"
	RestartPolicyOnInputsDownloaded RestartPolicy = "on-inputs-downloaded"
)

// ServiceSpec is what callers hand to the scheduler to start tracking a node
type ServiceSpec struct {
	NodeID          string                `yaml:"node_id"`
	ProjectID       string                `yaml:"project_id"`
	OwnerID         string                `yaml:"owner_id"`
	ServiceKey      string                `yaml:"service_key"`
	ServiceVersion  string                `yaml:"service_version"`
	Port            int                   `yaml:"port"`
	ProjectNetworks []ProjectNetwork      `yaml:"project_networks"`
	Resources       *ResourceRequirements `yaml:"resources"`
	RestartPolicy   RestartPolicy         `yaml:"restart_policy"`
	ComposeSpec     string                `yaml:"compose_spec"`
	Paths           PathMappings          `yaml:"paths"`
	RequestDNS      string                `yaml:"request_dns"`
	RequestScheme   string                `yaml:"request_scheme"`
}

// NewTrackedServiceContext builds a fresh context from a spec. Names are
// derived from the node id and a new run id is assigned.
func NewTrackedServiceContext(spec ServiceSpec) (*TrackedServiceContext, error) {
	if _, err := uuid.Parse(spec.NodeID); err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", spec.NodeID, err)
	}

	port := spec.Port
	if port == 0 {
		port = DefaultSidecarPort
	}
	policy := spec.RestartPolicy
	if policy == "" {
		policy = RestartPolicyNoRestart
	}

	serviceName := AssembleServiceName(SidecarPrefix, spec.NodeID)
	return &TrackedServiceContext{
		NodeID:           spec.NodeID,
		ServiceName:      serviceName,
		ProxyServiceName: AssembleServiceName(ProxyPrefix, spec.NodeID),
		NetworkName:      AssembleNetworkName(spec.NodeID),
		RunID:            uuid.New().String(),
		ProjectID:        spec.ProjectID,
		OwnerID:          spec.OwnerID,
		ServiceKey:       spec.ServiceKey,
		ServiceVersion:   spec.ServiceVersion,
		Hostname:         serviceName,
		Port:             port,
		ProjectNetworks:  append([]ProjectNetwork(nil), spec.ProjectNetworks...),
		Resources:        spec.Resources,
		RestartPolicy:    policy,
		ComposeSpec:      spec.ComposeSpec,
		Paths:            spec.Paths,
		RequestDNS:       spec.RequestDNS,
		RequestScheme:    spec.RequestScheme,
		CreatedAt:        time.Now(),
		Sidecar:          NewSidecarState(),
	}, nil
}

// Endpoint returns the base URL of the sidecar control API
func (c *TrackedServiceContext) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
}

// IsFailing reports whether the lifecycle status is failing
func (c *TrackedServiceContext) IsFailing() bool {
	return c.Sidecar.Status.Current == StatusFailing
}

// Clone returns a deep copy. Tasks work on clones so the registry entry is
// never touched outside the registry lock.
func (c *TrackedServiceContext) Clone() *TrackedServiceContext {
	if c == nil {
		return nil
	}
	out := *c
	out.ProjectNetworks = append([]ProjectNetwork(nil), c.ProjectNetworks...)
	if c.Resources != nil {
		r := *c.Resources
		out.Resources = &r
	}
	out.Paths.StatePaths = append([]string(nil), c.Paths.StatePaths...)
	out.Sidecar = c.Sidecar.clone()
	return &out
}

// SidecarState is the observed state of the sidecar and its user services
type SidecarState struct {
	Status  LifecycleStatus
	Removal RemovalIntent

	// WaitForManualIntervention is set when saving failed. Nothing clears it
	// automatically.
	WaitForManualIntervention bool

	WasStarted  bool
	StartedAt   time.Time
	SidecarID   string
	IsAvailable bool
	Health      HealthStatus

	EnvironmentPrepared     bool
	ComposeSubmittedAt      time.Time
	Containers              []ContainerInspect
	ProjectNetworksAttached bool
	StateAndOutputsSaved    bool
}

// NewSidecarState returns the state of a service nothing was done for yet
func NewSidecarState() SidecarState {
	return SidecarState{Status: LifecycleStatus{Current: StatusOK}}
}

// ComposeSpecSubmitted is derived: a submission time, or containers that
// could only exist after a submission.
func (s *SidecarState) ComposeSpecSubmitted() bool {
	return !s.ComposeSubmittedAt.IsZero() || len(s.Containers) > 0
}

// ContainersCreated reports whether the sidecar has reported user containers
func (s *SidecarState) ContainersCreated() bool {
	return len(s.Containers) > 0
}

// AllContainersRunning reports whether at least one container exists and
// all of them are running.
func (s *SidecarState) AllContainersRunning() bool {
	if len(s.Containers) == 0 {
		return false
	}
	for _, c := range s.Containers {
		if c.State != ContainerStateRunning {
			return false
		}
	}
	return true
}

func (s SidecarState) clone() SidecarState {
	out := s
	out.Removal = s.Removal.clone()
	out.Containers = append([]ContainerInspect(nil), s.Containers...)
	return out
}

// HealthStatus tracks the sidecar health probe results
type HealthStatus struct {
	Healthy              bool
	Message              string
	CheckedAt            time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Record updates counters with a probe result
func (h *HealthStatus) Record(healthy bool, message string, at time.Time) {
	h.Healthy = healthy
	h.Message = message
	h.CheckedAt = at
	if healthy {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
	}
}

// ContainerInspect is the status of one user container as seen by the sidecar
type ContainerInspect struct {
	Name  string
	State ContainerState
	Error string
}
