// Package heartbeat sends best-effort lifecycle pings to an observer URL.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle value carried in the "state" query parameter.
type State string

const (
	StateSetup  State = "setup"
	StateStart  State = "start"
	StateUpdate State = "update"
	StateStop   State = "stop"
)

// DefaultTimeout bounds a single ping.
const DefaultTimeout = 5 * time.Second

// BuildURL appends state and hostname to endpoint, joining with "?" or "&"
// depending on whether endpoint already carries a query.
func BuildURL(endpoint string, state State, hostname string) string {
	sep := "?"
	switch {
	case strings.HasSuffix(endpoint, "?"), strings.HasSuffix(endpoint, "&"):
		sep = ""
	case strings.Contains(endpoint, "?"):
		sep = "&"
	}
	return endpoint + sep + "state=" + url.QueryEscape(string(state)) +
		"&hostname=" + url.QueryEscape(hostname)
}

// Notifier delivers pings asynchronously. Pings are delivered in the order
// Notify was called; failures are logged and never returned.
type Notifier struct {
	endpoint string
	hostname string
	client   *http.Client
	logger   *slog.Logger

	// Observe, if set, is called once per ping with its outcome.
	Observe func(state State, err error)

	mu   sync.Mutex
	last chan struct{}
	wg   sync.WaitGroup
}

// New creates a Notifier for endpoint. hostname identifies the process.
func New(endpoint, hostname string, logger *slog.Logger) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		hostname: hostname,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   logger,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (n *Notifier) WithHTTPClient(client *http.Client) *Notifier {
	n.client = client
	return n
}

// Notify queues a ping and returns immediately.
func (n *Notifier) Notify(state State) {
	n.mu.Lock()
	prev := n.last
	done := make(chan struct{})
	n.last = done
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		err := n.send(context.Background(), state)
		if err != nil {
			n.logger.Warn("heartbeat failed", "state", state, "error", err)
		} else {
			n.logger.Debug("heartbeat sent", "state", state)
		}
		if n.Observe != nil {
			n.Observe(state, err)
		}
	}()
}

// Flush waits up to timeout for queued pings. It reports whether all of them
// completed.
func (n *Notifier) Flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		n.logger.Warn("heartbeat flush timed out", "timeout", timeout)
		return false
	}
}

func (n *Notifier) send(ctx context.Context, state State) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildURL(n.endpoint, state, n.hostname), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
