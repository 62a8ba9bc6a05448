package runner

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/slugrunner/internal/config"
	"github.com/p-arndt/slugrunner/internal/logging"
	"github.com/p-arndt/slugrunner/internal/store"
)

// recordingObserver captures lifecycle events for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	states     []string
	signals    []string
	readiness  []bool
	heartbeats []string
	exitCodes  []int

	pids    chan int
	running chan struct{}
	once    sync.Once
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		pids:    make(chan int, 1),
		running: make(chan struct{}),
	}
}

func (o *recordingObserver) StateChanged(state string) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
	if state == StateRunning.String() {
		o.once.Do(func() { close(o.running) })
	}
}

func (o *recordingObserver) ChildStarted(pid int) {
	o.pids <- pid
}

func (o *recordingObserver) ChildExited(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exitCodes = append(o.exitCodes, code)
}

func (o *recordingObserver) SignalForwarded(signal string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals = append(o.signals, signal)
}

func (o *recordingObserver) ReadinessChecked(elapsed time.Duration, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readiness = append(o.readiness, ok)
}

func (o *recordingObserver) HeartbeatSent(state string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heartbeats = append(o.heartbeats, state)
}

type events struct {
	states     []string
	signals    []string
	readiness  []bool
	heartbeats []string
	exitCodes  []int
}

func (o *recordingObserver) snapshot() events {
	o.mu.Lock()
	defer o.mu.Unlock()
	return events{
		states:     append([]string(nil), o.states...),
		signals:    append([]string(nil), o.signals...),
		readiness:  append([]bool(nil), o.readiness...),
		heartbeats: append([]string(nil), o.heartbeats...),
		exitCodes:  append([]int(nil), o.exitCodes...),
	}
}

// waitPID returns the workload's pid once it is launched.
func (o *recordingObserver) waitPID(t *testing.T) int {
	t.Helper()
	select {
	case pid := <-o.pids:
		return pid
	case <-time.After(10 * time.Second):
		t.Fatal("workload was never launched")
		return 0
	}
}

func (o *recordingObserver) waitRunning(t *testing.T) {
	t.Helper()
	select {
	case <-o.running:
	case <-time.After(10 * time.Second):
		t.Fatal("run never reached running")
	}
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) CreateRun(run *store.Run) error {
	return m.Called(run).Error(0)
}

func (m *mockLedger) UpdateRunState(id, state string, pid int) error {
	return m.Called(id, state, pid).Error(0)
}

func (m *mockLedger) FinishRun(id, state string, exitCode int, childExit, errMsg string) error {
	return m.Called(id, state, exitCode, childExit, errMsg).Error(0)
}

func newTestRunner(cfg *config.Config, ledger Ledger, obs Observer, port string) *Runner {
	r := New(cfg, ledger, obs, logging.Discard())
	r.Stdin = nil
	r.Stdout = io.Discard
	r.Stderr = io.Discard
	r.Getenv = func(key string) string {
		if key == "PORT" {
			return port
		}
		return ""
	}
	return r
}

// runAsync starts r.Run and returns a channel with its exit code.
func runAsync(r *Runner) <-chan int {
	ch := make(chan int, 1)
	go func() { ch <- r.Run(context.Background()) }()
	return ch
}

func waitCode(t *testing.T, ch <-chan int, within time.Duration) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(within):
		t.Fatalf("run did not return within %s", within)
		return -1
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type pingRecorder struct {
	mu   sync.Mutex
	hits []string
}

func (p *pingRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.hits = append(p.hits, r.URL.Query().Get("state")+"@"+r.URL.Query().Get("hostname"))
	p.mu.Unlock()
}

func (p *pingRecorder) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hits...)
}
