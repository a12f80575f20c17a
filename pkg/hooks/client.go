package hooks

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/internal/engine"
	"github.com/thebtf/engram-context/internal/worker"
	"github.com/thebtf/engram-context/pkg/models"
)

// DefaultWorkerPort is the port used when ENGRAM_WORKER_PORT is unset.
const DefaultWorkerPort = config.DefaultWorkerPort

// Hooks run inline with the agent, so every worker call is short.
const (
	healthTimeout  = 300 * time.Millisecond
	requestTimeout = 2 * time.Second
)

// GetWorkerPort returns the worker port from the environment or the default.
func GetWorkerPort() int {
	if v := os.Getenv("ENGRAM_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return DefaultWorkerPort
}

// IsPortInUse reports whether something listens on the local port.
func IsPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), healthTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Client talks to a running worker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the worker on the local port.
func NewClient(port int) *Client {
	return NewClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewClientURL creates a client for the worker at baseURL.
func NewClientURL(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: requestTimeout}}
}

// IsRunning reports whether the worker answers its readiness probe.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Version returns the worker version, or "" when unknown.
func (c *Client) Version(ctx context.Context) string {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return ""
	}
	return out.Version
}

// Observe reports a tool event to the worker.
func (c *Client) Observe(ctx context.Context, req worker.EventRequest) (engine.Event, error) {
	var ev engine.Event
	err := c.do(ctx, http.MethodPost, "/api/events", req, &ev)
	return ev, err
}

// Search asks the worker for context relevant to q.
func (c *Client) Search(ctx context.Context, q models.RelevanceQuery) (worker.SearchResponse, error) {
	var out worker.SearchResponse
	err := c.do(ctx, http.MethodPost, "/api/context/search", q, &out)
	return out, err
}

// EndSession discards the warning state of a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
