package runner

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/slugrunner/internal/store"
	"github.com/p-arndt/slugrunner/internal/testutil"
)

func TestRunSignalledWorkloadExitsZero(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	cfg.DelayedBind = 2
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "0")

	done := runAsync(r)
	pid := obs.waitPID(t)
	obs.waitRunning(t)
	require.NoError(t, unix.Kill(pid, unix.SIGTERM))

	assert.Equal(t, 0, waitCode(t, done, 10*time.Second))
	ev := obs.snapshot()
	assert.Equal(t, []string{"setup", "starting", "running", "stopping", "stopped"}, ev.states)
	assert.Empty(t, ev.readiness, "port 0 skips the readiness check")
	assert.Equal(t, []int{128 + int(unix.SIGTERM)}, ev.exitCodes)
	assert.Equal(t, "signal SIGTERM", r.childExit)
	assert.Equal(t, StateStopped, r.State())
}

func TestRunForwardsSignalsToWorkload(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "0")

	done := runAsync(r)
	obs.waitPID(t)
	obs.waitRunning(t)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	assert.Equal(t, 0, waitCode(t, done, 10*time.Second))
	ev := obs.snapshot()
	assert.Equal(t, []string{"SIGTERM"}, ev.signals)
	assert.Equal(t, []int{128 + int(unix.SIGTERM)}, ev.exitCodes)
}

func TestRunEscalatesWhenStopSignalIgnored(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t,
		`web: sh -c "trap '' TERM; exec sleep 30"`+"\n"))
	cfg.StopTimeout = 300 * time.Millisecond
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "0")

	done := runAsync(r)
	obs.waitPID(t)
	obs.waitRunning(t)
	// Give sh time to install the trap before it execs sleep.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	start := time.Now()
	assert.Equal(t, 0, waitCode(t, done, 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "signal SIGKILL", r.childExit)
}

func TestRunRoleMissingFailsWithoutLaunching(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "worker: sleep 10\n"))
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "0")

	assert.Equal(t, 1, r.Run(context.Background()))
	assert.Empty(t, obs.pids, "no child may be spawned")
	assert.Equal(t, []string{"setup", "stopped"}, obs.snapshot().states)
}

func TestRunMissingSlugFails(t *testing.T) {
	cfg := testutil.TestConfig(filepath.Join(t.TempDir(), "missing.tgz"))
	r := newTestRunner(cfg, nil, nil, "0")

	assert.Equal(t, 1, r.Run(context.Background()))
}

func TestRunCorruptManifestFails(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: [unterminated\n"))
	r := newTestRunner(cfg, nil, nil, "0")

	assert.Equal(t, 1, r.Run(context.Background()))
}

func TestRunReadinessFailureKillsWorkload(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	cfg.DelayedBind = 1
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, strconv.Itoa(closedPort(t)))

	start := time.Now()
	assert.Equal(t, 0, r.Run(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	ev := obs.snapshot()
	assert.Equal(t, []string{"setup", "starting", "stopping", "stopped"}, ev.states)
	assert.Equal(t, []bool{false}, ev.readiness)
	assert.Equal(t, []int{128 + int(unix.SIGKILL)}, ev.exitCodes)
}

func TestRunReadinessSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 0.3\n"))
	cfg.DelayedBind = 2
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, strconv.Itoa(port))

	assert.Equal(t, 0, r.Run(context.Background()))
	ev := obs.snapshot()
	assert.Equal(t, []bool{true}, ev.readiness)
	assert.Contains(t, ev.states, "running")
	assert.Equal(t, []int{0}, ev.exitCodes)
}

func TestRunWorkloadExitBeforeBindStopsEarly(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sh -c 'exit 2'\n"))
	cfg.DelayedBind = 10
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, strconv.Itoa(closedPort(t)))

	start := time.Now()
	assert.Equal(t, 0, r.Run(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "exit 2", r.childExit)
}

func TestRunNonZeroChildExitIsStillSuccess(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sh -c 'exit 3'\n"))
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "")

	assert.Equal(t, 0, r.Run(context.Background()))
	assert.Equal(t, []int{3}, obs.snapshot().exitCodes)
	assert.Equal(t, "exit 3", r.childExit)
}

func TestRunWorkloadEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.out")
	t.Setenv("SUPERVISOR_ONLY", "secret")

	cfg := testutil.TestConfig(testutil.WriteSlug(t, map[string]testutil.File{
		"Procfile":          {Body: "web: env > \"$OUT\"\n"},
		".profile.d/app.sh": {Body: "export FROM_PROFILE=yes\n", Mode: 0755},
	}))
	cfg.Instance = 3
	cfg.Env = []string{"OUT=" + out, "A=1", "B=two words", "MALFORMED"}
	r := newTestRunner(cfg, nil, nil, "5000")

	require.Equal(t, 0, r.Run(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	env := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok {
			env[k] = v
		}
	}
	assert.Equal(t, "web.3", env["HOSTNAME"])
	assert.Equal(t, "web", env["PROCESS_TYPE"])
	assert.Equal(t, "5000", env["PORT"])
	assert.Equal(t, "1", env["A"])
	assert.Equal(t, "two words", env["B"])
	assert.Equal(t, "yes", env["FROM_PROFILE"])
	assert.NotContains(t, env, "MALFORMED")
	assert.NotContains(t, env, "SUPERVISOR_ONLY")
	assert.True(t, strings.HasPrefix(filepath.Base(env["HOME"]), "slugrunner-"+r.ID()))
}

func TestRunInvalidEnvNameDoesNotBlockWorkload(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ran")
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: touch \"$OUT\"\n"))
	cfg.Env = []string{"OUT=" + out, "BAD KEY=1", "ALSO-BAD=2"}
	r := newTestRunner(cfg, nil, nil, "0")

	require.Equal(t, 0, r.Run(context.Background()))
	assert.Equal(t, "exit 0", r.childExit)
	_, err := os.Stat(out)
	assert.NoError(t, err, "workload should have run")
}

func TestRunRemovesScratchDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: true\n"))
	require.Equal(t, 0, newTestRunner(cfg, nil, nil, "").Run(context.Background()))

	cfg = testutil.TestConfig(testutil.Procfile(t, "worker: true\n"))
	require.Equal(t, 1, newTestRunner(cfg, nil, nil, "").Run(context.Background()))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunHeartbeatSequence(t *testing.T) {
	rec := &pingRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: true\n"))
	cfg.Ping = srv.URL + "/ping"
	cfg.PingInterval = 30
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "0")

	require.Equal(t, 0, r.Run(context.Background()))
	assert.Equal(t, []string{"setup@web.1", "start@web.1", "stop@web.1"}, rec.states())
	assert.Equal(t, []string{"setup", "start", "stop"}, obs.snapshot().heartbeats)
}

func TestRunHeartbeatUpdatesWhileRunning(t *testing.T) {
	rec := &pingRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 2.5\n"))
	cfg.Ping = srv.URL
	cfg.PingInterval = 1
	r := newTestRunner(cfg, nil, nil, "0")

	require.Equal(t, 0, r.Run(context.Background()))
	states := rec.states()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, "setup@web.1", states[0])
	assert.Equal(t, "start@web.1", states[1])
	assert.Equal(t, "update@web.1", states[2])
	assert.Equal(t, "stop@web.1", states[len(states)-1])
}

func TestRunHeartbeatDisabledWithoutInterval(t *testing.T) {
	rec := &pingRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: true\n"))
	cfg.Ping = srv.URL
	cfg.PingInterval = 0

	require.Equal(t, 0, newTestRunner(cfg, nil, nil, "0").Run(context.Background()))
	assert.Empty(t, rec.states())
}

func TestRunFailureAfterSetupSendsStop(t *testing.T) {
	rec := &pingRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "worker: true\n"))
	cfg.Ping = srv.URL
	cfg.PingInterval = 30

	require.Equal(t, 1, newTestRunner(cfg, nil, nil, "0").Run(context.Background()))
	assert.Equal(t, []string{"setup@web.1", "stop@web.1"}, rec.states())
}

func TestRunReadinessFailureSendsNoStart(t *testing.T) {
	rec := &pingRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	cfg.Ping = srv.URL
	cfg.PingInterval = 30
	cfg.DelayedBind = 1

	require.Equal(t, 0, newTestRunner(cfg, nil, nil, strconv.Itoa(closedPort(t))).Run(context.Background()))
	assert.Equal(t, []string{"setup@web.1", "stop@web.1"}, rec.states())
}

func TestRunHeartbeatEndpointDownDoesNotFail(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: true\n"))
	cfg.Ping = "http://127.0.0.1:" + strconv.Itoa(closedPort(t)) + "/ping"
	cfg.PingInterval = 30

	assert.Equal(t, 0, newTestRunner(cfg, nil, nil, "0").Run(context.Background()))
}

func TestRunRecordsLedger(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sh -c 'exit 3'\n"))
	r := newTestRunner(cfg, st, nil, "")
	require.Equal(t, 0, r.Run(context.Background()))

	run, err := st.GetRun(r.ID())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "stopped", run.State)
	assert.Equal(t, 0, run.ExitCode)
	assert.Equal(t, "exit 3", run.ChildExit)
	assert.Equal(t, "web.1", run.Hostname)
	assert.Positive(t, run.PID)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestRunRecordsLedgerFailure(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	cfg := testutil.TestConfig(testutil.Procfile(t, "worker: true\n"))
	r := newTestRunner(cfg, st, nil, "")
	require.Equal(t, 1, r.Run(context.Background()))

	run, err := st.GetRun(r.ID())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.ExitCode)
	assert.Contains(t, run.Error, "web")
	assert.Zero(t, run.PID)
}

func TestRunLedgerErrorsAreNotFatal(t *testing.T) {
	ledger := &mockLedger{}
	ledger.On("CreateRun", mock.Anything).Return(assert.AnError)
	ledger.On("UpdateRunState", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)
	ledger.On("FinishRun", mock.Anything, "stopped", 0, "exit 0", "").Return(assert.AnError)

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: true\n"))
	r := newTestRunner(cfg, ledger, nil, "")

	assert.Equal(t, 0, r.Run(context.Background()))
	ledger.AssertExpectations(t)
	ledger.AssertCalled(t, "UpdateRunState", r.ID(), "starting", mock.AnythingOfType("int"))
}

func TestRunInteractiveShellWithoutTerminal(t *testing.T) {
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not installed")
	}

	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	cfg.Shell = true
	var out bytes.Buffer
	r := newTestRunner(cfg, nil, nil, "")
	r.Stdin = strings.NewReader("echo hello from $HOSTNAME\nexit 4\n")
	r.Stdout = &out

	assert.Equal(t, 0, r.Run(context.Background()))
	assert.Contains(t, out.String(), "hello from web.1")
	assert.Equal(t, "exit 4", r.childExit)
}

func TestRunCancelledBeforeLaunch(t *testing.T) {
	cfg := testutil.TestConfig(testutil.Procfile(t, "web: sleep 10\n"))
	obs := newRecordingObserver()
	r := newTestRunner(cfg, nil, obs, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 1, r.Run(ctx))
	assert.Empty(t, obs.pids)
}
