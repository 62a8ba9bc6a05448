// Package runner supervises one workload from a slug: it fetches and unpacks
// the slug, launches the resolved command, relays signals, checks that the
// workload binds its port and reports lifecycle heartbeats until it exits.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/p-arndt/slugrunner/internal/config"
	"github.com/p-arndt/slugrunner/internal/envbuild"
	"github.com/p-arndt/slugrunner/internal/heartbeat"
	"github.com/p-arndt/slugrunner/internal/procfile"
	"github.com/p-arndt/slugrunner/internal/readiness"
	"github.com/p-arndt/slugrunner/internal/slug"
	"github.com/p-arndt/slugrunner/internal/store"
)

// flushTimeout bounds how long Run waits for queued heartbeats before
// returning.
const flushTimeout = 2 * heartbeat.DefaultTimeout

// Observer receives lifecycle events. The metrics collector implements it.
type Observer interface {
	StateChanged(state string)
	ChildStarted(pid int)
	ChildExited(code int)
	SignalForwarded(signal string)
	ReadinessChecked(elapsed time.Duration, ok bool)
	HeartbeatSent(state string, err error)
}

// Ledger persists run history. *store.Store implements it.
type Ledger interface {
	CreateRun(run *store.Run) error
	UpdateRunState(id, state string, pid int) error
	FinishRun(id, state string, exitCode int, childExit, errMsg string) error
}

type nopObserver struct{}

func (nopObserver) StateChanged(string) {}
func (nopObserver) ChildStarted(int) {}
func (nopObserver) ChildExited(int) {}
func (nopObserver) SignalForwarded(string) {}
func (nopObserver) ReadinessChecked(time.Duration, bool) {}
func (nopObserver) HeartbeatSent(string, error) {}

// Runner owns one supervised run. It is not reusable.
type Runner struct {
	cfg      *config.Config
	source   *slug.Source
	ledger   Ledger
	observer Observer
	logger   *slog.Logger

	// Stdio handed to the workload. Default to the process's own.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Getenv reads the ambient environment; PORT is taken from it.
	Getenv func(string) string

	runID     string
	state     State
	notifier  *heartbeat.Notifier
	loop      *heartbeat.Loop
	setupSent bool
	childExit string
}

// New creates a Runner. ledger and observer may be nil.
func New(cfg *config.Config, ledger Ledger, observer Observer, logger *slog.Logger) *Runner {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Runner{
		cfg:      cfg,
		source:   &slug.Source{},
		ledger:   ledger,
		observer: observer,
		logger:   logger,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Getenv:   os.Getenv,
		state:    StateSetup,
	}
}

// ID returns the run id, assigned when Run starts.
func (r *Runner) ID() string {
	return r.runID
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return r.state
}

// Run supervises the workload until it exits. It returns 0 when supervision
// completed, whatever the workload's own exit status, and 1 on any failure
// to fetch, resolve, build or launch.
func (r *Runner) Run(ctx context.Context) int {
	r.runID = uuid.New().String()[:8]
	r.logger = r.logger.With("run_id", r.runID, "hostname", r.cfg.Hostname())
	started := time.Now()

	if r.cfg.HeartbeatEnabled() {
		r.notifier = heartbeat.New(r.cfg.Ping, r.cfg.Hostname(), r.logger)
		r.notifier.Observe = func(state heartbeat.State, err error) {
			r.observer.HeartbeatSent(string(state), err)
		}
	}

	r.logger.Info("slugrunner starting", "slug", r.cfg.Slug, "worker", r.cfg.Worker)
	r.recordStart(started)
	r.observer.StateChanged(r.state.String())

	err := r.superviseSafely(ctx)

	r.setState(StateStopped, 0)
	if r.loop != nil {
		r.loop.Stop()
	}
	if r.notifier != nil {
		if r.setupSent {
			r.notifier.Notify(heartbeat.StateStop)
		}
		r.notifier.Flush(flushTimeout)
	}

	code := 0
	if err != nil {
		code = 1
		r.logger.Error("run failed", "error", err, "elapsed", units.HumanDuration(time.Since(started)))
	} else {
		r.logger.Info("run complete", "child", r.childExit, "elapsed", units.HumanDuration(time.Since(started)))
	}
	r.recordFinish(code, err)
	return code
}

func (r *Runner) superviseSafely(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &RuntimeError{Op: "supervise", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.supervise(ctx)
}

func (r *Runner) supervise(ctx context.Context) error {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	relay := newSignalRelay(r.logger, r.observer, r.cfg.StopTimeout, abort)
	relay.start()
	defer relay.stop()

	dir, err := os.MkdirTemp("", "slugrunner-"+r.runID+"-")
	if err != nil {
		return &RuntimeError{Op: "create scratch dir", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("remove scratch dir", "dir", dir, "error", err)
		}
	}()

	if r.notifier != nil {
		r.notifier.Notify(heartbeat.StateSetup)
		r.setupSent = true
	}

	fetchStart := time.Now()
	n, err := r.source.Fetch(ctx, r.cfg.Slug, dir)
	if err != nil {
		return err
	}
	r.logger.Info("slug unpacked",
		"size", units.HumanSize(float64(n)),
		"took", units.HumanDuration(time.Since(fetchStart)),
		"dir", dir)

	command, err := procfile.Resolve(dir, r.cfg.Worker, r.cfg.Shell)
	if err != nil {
		if errors.Is(err, procfile.ErrNotFound) {
			roles, _ := procfile.Roles(dir)
			r.logger.Error("no command for worker", "worker", r.cfg.Worker, "available", roles)
		}
		return err
	}
	r.logger.Info("command resolved", "command", command.Line, "source", command.Source)

	launch, err := envbuild.Build(envbuild.Params{
		Dir:      dir,
		Role:     r.cfg.Worker,
		Hostname: r.cfg.Hostname(),
		Port:     r.Getenv("PORT"),
		Extra:    r.cfg.Env,
		Command:  command,
	})
	if err != nil {
		return &RuntimeError{Op: "build environment", Err: err}
	}
	if len(launch.Skipped) > 0 {
		r.logger.Warn("extra env tokens skipped, not KEY=VALUE with a valid name", "keys", launch.Skipped)
	}
	if len(launch.Profiles) > 0 {
		r.logger.Debug("profile scripts", "profiles", launch.Profiles)
	}
	r.setState(StateStarting, 0)
	var c *child
	err = relay.launch(ctx, func() (int, error) {
		var err error
		if c, err = r.launch(launch, command.Interactive); err != nil {
			return 0, &LaunchError{Command: command.Line, Err: err}
		}
		return c.pid(), nil
	})
	if err != nil {
		var launchErr *LaunchError
		if errors.As(err, &launchErr) {
			return err
		}
		return &RuntimeError{Op: "setup", Err: err}
	}
	pid := c.pid()
	launched := time.Now()
	r.observer.ChildStarted(pid)
	r.setState(StateStarting, pid)
	r.logger.Info("workload launched", "pid", pid, "port", launch.Port)

	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = c.wait()
		close(exited)
	}()

	if r.checkReadiness(ctx, c, launch.Port, exited) {
		r.setState(StateRunning, 0)
		if r.notifier != nil {
			r.loop = r.notifier.StartLoop(r.cfg.HeartbeatInterval())
			r.notifier.Notify(heartbeat.StateStart)
		}
	}

	<-exited
	relay.detach()
	if r.state == StateRunning {
		r.setState(StateStopping, 0)
	}

	code := extractExitCode(waitErr)
	r.childExit = describeExit(waitErr)
	r.observer.ChildExited(code)
	r.logger.Info("workload exited", "pid", pid, "status", r.childExit,
		"uptime", units.HumanDuration(time.Since(launched)))
	return nil
}

// checkReadiness waits for the workload to bind port. A workload that fails
// the check is killed outright and the run moves to Stopping.
func (r *Runner) checkReadiness(ctx context.Context, c *child, port int, exited <-chan struct{}) bool {
	grace := r.cfg.BindDelay()
	if grace <= 0 || port <= 0 {
		return true
	}

	// Polling stops early if the workload dies.
	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-checkCtx.Done():
		}
	}()

	start := time.Now()
	ok := readiness.WaitForPort(checkCtx, port, grace)
	elapsed := time.Since(start)
	r.observer.ReadinessChecked(elapsed, ok)

	if ok {
		r.logger.Info("workload bound port", "port", port, "took", units.HumanDuration(elapsed))
		return true
	}

	select {
	case <-exited:
		r.logger.Warn("workload exited before binding port", "port", port)
	default:
		r.logger.Warn("workload did not bind port in time, killing",
			"port", port,
			"grace", units.HumanDuration(grace),
			"listening", readiness.ListeningPorts(c.pid()))
		if err := c.kill(); err != nil {
			r.logger.Warn("kill failed", "pid", c.pid(), "error", err)
		}
	}
	r.setState(StateStopping, 0)
	return false
}
