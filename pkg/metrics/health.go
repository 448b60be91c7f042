package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Components of the scheduler process that report their health
const (
	ComponentContainerd = "containerd"
	ComponentScheduler  = "scheduler"
	ComponentJanitor    = "janitor"
	ComponentAPI        = "api"
)

// Report statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded" // only non-critical components are down
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// DefaultCriticalComponents gate readiness, in the order they come up
var DefaultCriticalComponents = []string{ComponentContainerd, ComponentScheduler, ComponentAPI}

// ComponentReport is one component as seen by /health and /ready
type ComponentReport struct {
	Healthy  bool      `json:"healthy"`
	Critical bool      `json:"critical"`
	Message  string    `json:"message,omitempty"`
	Since    time.Time `json:"since"`
}

// HealthReport is the body of /health and /ready
type HealthReport struct {
	Status     string                     `json:"status"`
	Message    string                     `json:"message,omitempty"`
	Components map[string]ComponentReport `json:"components"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type componentState struct {
	healthy bool
	message string
	since   time.Time // last change of healthy
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	critical   []string
	started    time.Time
	version    string
}

var processHealth = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]componentState),
		critical:   append([]string(nil), DefaultCriticalComponents...),
		started:    time.Now(),
	}
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	processHealth.mu.Lock()
	defer processHealth.mu.Unlock()
	processHealth.critical = append([]string(nil), names...)
}

// SetVersion sets the build version shown in reports
func SetVersion(version string) {
	processHealth.mu.Lock()
	defer processHealth.mu.Unlock()
	processHealth.version = version
}

// UpdateComponent records the state of a component. The first call
// registers it.
func UpdateComponent(name string, healthy bool, message string) {
	processHealth.mu.Lock()
	defer processHealth.mu.Unlock()

	prev, ok := processHealth.components[name]
	since := prev.since
	if !ok || prev.healthy != healthy {
		since = time.Now()
	}
	processHealth.components[name] = componentState{healthy: healthy, message: message, since: since}
}

func (h *healthRegistry) isCritical(name string) bool {
	for _, c := range h.critical {
		if c == name {
			return true
		}
	}
	return false
}

func (h *healthRegistry) report(status, message string, components map[string]ComponentReport) HealthReport {
	return HealthReport{
		Status:     status,
		Message:    message,
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		CheckedAt:  time.Now(),
	}
}

// GetHealth reports every registered component. A failed critical
// component makes the process unhealthy; a failed janitor only degrades it.
func GetHealth() HealthReport {
	processHealth.mu.RLock()
	defer processHealth.mu.RUnlock()

	names := make([]string, 0, len(processHealth.components))
	for name := range processHealth.components {
		names = append(names, name)
	}
	sort.Strings(names)

	status := StatusHealthy
	var down []string
	components := make(map[string]ComponentReport, len(names))
	for _, name := range names {
		c := processHealth.components[name]
		critical := processHealth.isCritical(name)
		components[name] = ComponentReport{Healthy: c.healthy, Critical: critical, Message: c.message, Since: c.since}
		if c.healthy {
			continue
		}
		down = append(down, name)
		if critical {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	message := ""
	if len(down) > 0 {
		message = fmt.Sprintf("down: %v", down)
	}
	return processHealth.report(status, message, components)
}

// GetReadiness reports the critical components only. The message names the
// first one, in start order, that is missing or down.
func GetReadiness() HealthReport {
	processHealth.mu.RLock()
	defer processHealth.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]ComponentReport, len(processHealth.critical))
	for _, name := range processHealth.critical {
		c, ok := processHealth.components[name]
		switch {
		case !ok:
			components[name] = ComponentReport{Critical: true, Message: "not reported yet"}
		default:
			components[name] = ComponentReport{Healthy: c.healthy, Critical: true, Message: c.message, Since: c.since}
		}
		if ok && c.healthy {
			continue
		}
		if status == StatusReady {
			status = StatusNotReady
			message = "waiting for " + name
			if ok && c.message != "" {
				message += ": " + c.message
			}
		}
	}
	return processHealth.report(status, message, components)
}

func writeReport(w http.ResponseWriter, report HealthReport, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		writeReport(w, report, report.Status != StatusUnhealthy)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		writeReport(w, report, report.Status == StatusReady)
	}
}

// LivenessHandler answers 200 as long as the process can serve requests
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(processHealth.started).Round(time.Second).String(),
		})
	}
}
