package runner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/p-arndt/slugrunner/internal/envbuild"
)

// shellPath runs the launch script. The script ends in exec, so the pid of
// this shell becomes the workload's pid.
const shellPath = "/bin/sh"

// child is the single workload process of a run.
type child struct {
	cmd     *exec.Cmd
	cleanup func()
}

func (c *child) pid() int {
	return c.cmd.Process.Pid
}

// kill sends SIGKILL through the process handle, which knows whether the
// child was already reaped, so a recycled pid is never hit.
func (c *child) kill() error {
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wait reaps the child and releases any terminal it was attached to.
func (c *child) wait() error {
	err := c.cmd.Wait()
	if c.cleanup != nil {
		c.cleanup()
	}
	return err
}

// launch starts the launch script. Interactive commands get a pty when stdin
// is a terminal; everything else runs in its own process group so terminal
// job control signals reach the workload only through the relay.
func (r *Runner) launch(l *envbuild.Launch, interactive bool) (*child, error) {
	cmd := exec.Command(shellPath, "-c", l.Script)
	cmd.Env = l.Env

	if interactive {
		if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return r.launchPTY(cmd, f)
		}
		cmd.Stdin = r.Stdin
	}
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &child{cmd: cmd}, nil
}

func (r *Runner) launchPTY(cmd *exec.Cmd, stdin *os.File) (*child, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if err := pty.InheritSize(stdin, ptmx); err != nil {
				r.logger.Debug("resize pty", "error", err)
			}
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(stdin.Fd()))
	if err != nil {
		r.logger.Warn("terminal raw mode unavailable", "error", err)
	}

	go func() { _, _ = io.Copy(ptmx, stdin) }()
	go func() { _, _ = io.Copy(r.Stdout, ptmx) }()

	cleanup := func() {
		signal.Stop(winch)
		close(winch)
		if oldState != nil {
			_ = term.Restore(int(stdin.Fd()), oldState)
		}
		ptmx.Close()
	}
	return &child{cmd: cmd, cleanup: cleanup}, nil
}
