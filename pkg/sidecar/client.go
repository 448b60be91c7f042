package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/cuemby/dynsched/pkg/health"
	"github.com/cuemby/dynsched/pkg/log"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

const maxErrorBody = 4 * 1024

// HTTPError is returned when the sidecar answers with an unexpected status
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Config configures the sidecar client
type Config struct {
	RequestTimeout time.Duration
	Retries        int
}

// Client talks to the control API exposed by every sidecar. It holds no
// per-service state; each call names the sidecar endpoint.
type Client struct {
	httpClient *http.Client
	backoff    wait.Backoff
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewClient creates a new sidecar client
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Client{
		httpClient: &http.Client{},
		backoff: wait.Backoff{
			Steps:    cfg.Retries,
			Duration: 200 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
			Cap:      5 * time.Second,
		},
		timeout: cfg.RequestTimeout,
		logger:  log.WithComponent("sidecar"),
	}
}

// Health probes GET /health. The sidecar is healthy when it answers 2xx
// with {"is_healthy": true}.
func (c *Client) Health(ctx context.Context, endpoint string) health.Result {
	return health.NewHTTPChecker(endpoint+"/health").
		WithStatusRange(200, 299).
		WithBodyCheck(requireIsHealthy).
		WithTimeout(c.timeout).
		Check(ctx)
}

func requireIsHealthy(body []byte) error {
	var payload struct {
		IsHealthy bool `json:"is_healthy"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid health payload: %w", err)
	}
	if !payload.IsHealthy {
		return errors.New("sidecar reports is_healthy=false")
	}
	return nil
}

type containerStatus struct {
	Status string `json:"Status"`
	Error  string `json:"Error"`
}

// ContainersStatus returns the status of all user containers, sorted by name
func (c *Client) ContainersStatus(ctx context.Context, endpoint string) ([]types.ContainerInspect, error) {
	var raw map[string]containerStatus
	if err := c.do(ctx, http.MethodGet, endpoint+"/v1/containers?only_status=true", nil, &raw, idempotent); err != nil {
		return nil, fmt.Errorf("failed to get containers status: %w", err)
	}

	out := make([]types.ContainerInspect, 0, len(raw))
	for name, st := range raw {
		out = append(out, types.ContainerInspect{
			Name:  name,
			State: types.ContainerState(st.Status),
			Error: st.Error,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SubmitComposeSpec hands the compose spec of the user services to the sidecar
func (c *Client) SubmitComposeSpec(ctx context.Context, endpoint, composeSpec string) error {
	body := map[string]string{"docker_compose_yaml": composeSpec}
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/compose-spec", body, nil, once); err != nil {
		return fmt.Errorf("failed to submit compose spec: %w", err)
	}
	return nil
}

// CreateContainers starts the user services from the submitted spec
func (c *Client) CreateContainers(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers", nil, nil, once); err != nil {
		return fmt.Errorf("failed to create containers: %w", err)
	}
	return nil
}

// StopContainers gracefully stops all user services
func (c *Client) StopContainers(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers:down", nil, nil, idempotent); err != nil {
		return fmt.Errorf("failed to stop containers: %w", err)
	}
	return nil
}

// RestartContainers restarts all user services
func (c *Client) RestartContainers(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers:restart", nil, nil, once); err != nil {
		return fmt.Errorf("failed to restart containers: %w", err)
	}
	return nil
}

// PullInputPorts downloads the given input ports, or all of them when keys
// is empty, and returns the number of bytes transferred.
func (c *Client) PullInputPorts(ctx context.Context, endpoint string, keys []string) (int64, error) {
	var size int64
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/ports/inputs:pull", portKeys(keys), &size, once); err != nil {
		return 0, fmt.Errorf("failed to pull input ports: %w", err)
	}
	return size, nil
}

// PushOutputPorts uploads the given output ports, or all of them
func (c *Client) PushOutputPorts(ctx context.Context, endpoint string, keys []string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/ports/outputs:push", portKeys(keys), nil, once); err != nil {
		return fmt.Errorf("failed to push output ports: %w", err)
	}
	return nil
}

// SaveState uploads the service state directories
func (c *Client) SaveState(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/state:save", nil, nil, once); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// RestoreState downloads previously saved state directories
func (c *Client) RestoreState(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/state:restore", nil, nil, once); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	return nil
}

// AttachNetwork connects the user services to a project network
func (c *Client) AttachNetwork(ctx context.Context, endpoint, network, alias string) error {
	body := map[string]string{"network_id": network, "network_aliases": alias}
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/networks:attach", body, nil, idempotent); err != nil {
		return fmt.Errorf("failed to attach network %s: %w", network, err)
	}
	return nil
}

// DetachNetwork disconnects the user services from a project network
func (c *Client) DetachNetwork(ctx context.Context, endpoint, network string) error {
	body := map[string]string{"network_id": network}
	if err := c.do(ctx, http.MethodPost, endpoint+"/v1/containers/networks:detach", body, nil, idempotent); err != nil {
		return fmt.Errorf("failed to detach network %s: %w", network, err)
	}
	return nil
}

func portKeys(keys []string) map[string][]string {
	if keys == nil {
		keys = []string{}
	}
	return map[string][]string{"port_keys": keys}
}

// Retry classes of sidecar calls
const (
	// once calls change state on the sidecar and are only repeated when
	// the request never left the client
	once = false
	// idempotent calls may be repeated after any transport error or 5xx
	idempotent = true
)

// do sends one JSON request with exponential backoff between attempts.
// Failed dials are always retried. Idempotent calls are also retried on
// other transport errors and 5xx answers. Everything else is returned
// right away.
func (c *Client) do(ctx context.Context, method, target string, in, out interface{}, retryAll bool) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := 0
	return retry.OnError(c.backoff, func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		retriable := neverSent(err) || (retryAll && transient(err))
		if retriable {
			c.logger.Debug().Err(err).Str("url", target).Int("attempt", attempt).Msg("Retrying sidecar request")
		}
		return retriable
	}, func() error {
		attempt++
		return c.roundTrip(ctx, method, target, payload, out)
	})
}

// neverSent reports whether the connection could not be established, so
// the sidecar cannot have seen the request
func neverSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func transient(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= http.StatusInternalServerError
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
