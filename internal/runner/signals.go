package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// forwardedSignals are relayed verbatim to the workload.
var forwardedSignals = []os.Signal{unix.SIGINT, unix.SIGHUP, unix.SIGTERM, unix.SIGQUIT}

// signalRelay owns signal handling for one Run. Before a child is attached a
// signal aborts setup; afterwards it is forwarded to the child's pid. A
// forwarded INT, TERM or QUIT arms a SIGKILL after stopTimeout.
type signalRelay struct {
	logger      *slog.Logger
	observer    Observer
	stopTimeout time.Duration
	abort       context.CancelFunc

	mu       sync.Mutex
	pid      int
	reaped   bool
	escalate *time.Timer

	sigCh chan os.Signal
	quit  chan struct{}
	done  chan struct{}
}

func newSignalRelay(logger *slog.Logger, observer Observer, stopTimeout time.Duration, abort context.CancelFunc) *signalRelay {
	return &signalRelay{
		logger:      logger,
		observer:    observer,
		stopTimeout: stopTimeout,
		abort:       abort,
		sigCh:       make(chan os.Signal, 4),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *signalRelay) start() {
	signal.Notify(s.sigCh, forwardedSignals...)
	go s.loop()
}

func (s *signalRelay) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case sig := <-s.sigCh:
			if ssig, ok := sig.(syscall.Signal); ok {
				s.handle(ssig)
			}
		}
	}
}

// launch runs start with the relay locked and attaches the pid it returns. A
// signal that arrives while the child is being started waits for the pid and
// is forwarded instead of aborting setup. A signal that already aborted setup
// keeps start from running at all.
func (s *signalRelay) launch(ctx context.Context, start func() (int, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	pid, err := start()
	if err != nil {
		return err
	}
	s.pid = pid
	return nil
}

func (s *signalRelay) attach(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// detach forgets the child once it has been reaped so a recycled pid is never
// signalled.
func (s *signalRelay) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = 0
	s.reaped = true
	if s.escalate != nil {
		s.escalate.Stop()
	}
}

func (s *signalRelay) handle(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := unix.SignalName(sig)
	switch {
	case s.reaped:
		s.logger.Debug("signal received after workload exited", "signal", name)
		return
	case s.pid == 0:
		s.logger.Warn("signal received during setup, aborting", "signal", name)
		if s.abort != nil {
			s.abort()
		}
		return
	}

	s.logger.Info("forwarding signal", "signal", name, "pid", s.pid)
	if err := unix.Kill(s.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("forward signal failed", "signal", name, "pid", s.pid, "error", err)
	}
	s.observer.SignalForwarded(name)

	if sig == unix.SIGHUP || s.stopTimeout <= 0 || s.escalate != nil {
		return
	}
	pid := s.pid
	s.escalate = time.AfterFunc(s.stopTimeout, func() { s.kill(pid) })
}

func (s *signalRelay) kill(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid != pid {
		return
	}
	s.logger.Warn("workload still running after stop signal, killing",
		"pid", pid, "stop_timeout", units.HumanDuration(s.stopTimeout))
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("kill failed", "pid", pid, "error", err)
	}
}

// stop uninstalls the handlers and waits for the relay goroutine.
func (s *signalRelay) stop() {
	signal.Stop(s.sigCh)
	close(s.quit)
	<-s.done
	s.detach()
}
