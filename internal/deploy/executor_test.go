package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/deployd/internal/credential"
	"github.com/tastythames/deployd/internal/remote"
)

// ---- fakes ----

type fakeDirectory struct {
	hosts map[string]remote.Host
}

func (d *fakeDirectory) Host(_ context.Context, id string) (remote.Host, error) {
	h, ok := d.hosts[id]
	if !ok {
		return remote.Host{}, fmt.Errorf("host %s not found", id)
	}
	return h, nil
}

type runCall struct {
	hostID string
	dir    string
	script string
	env    map[string]string
}

// fakeRunner scripts per-host outcomes and records calls.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]remote.Result // key: host ID
	errs     map[string]error
	copyErrs map[string]error
	runs     []runCall
	copies   []string // "hostID:dst"
}

func (r *fakeRunner) Run(_ context.Context, host remote.Host, dir, script string, env map[string]string) (remote.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runCall{hostID: host.ID, dir: dir, script: script, env: env})
	if err := r.errs[host.ID]; err != nil {
		return remote.Result{}, err
	}
	return r.results[host.ID], nil
}

func (r *fakeRunner) CopyDir(_ context.Context, host remote.Host, _ string, dst string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copies = append(r.copies, host.ID+":"+dst)
	return r.copyErrs[host.ID]
}

type fakeAcquirer struct {
	dir  string
	err  error
	seen *credential.Credential
}

func (a *fakeAcquirer) Acquire(_ context.Context, _, _ string, cred *credential.Credential) (string, error) {
	a.seen = cred
	return a.dir, a.err
}

type fakeResolver struct{ cred *credential.Credential }

func (f *fakeResolver) Resolve(context.Context, string, string) *credential.Credential {
	return f.cred
}

type fakeSink struct {
	mu       sync.Mutex
	statuses []string
	logText  string
}

func (s *fakeSink) SetStatus(_ context.Context, _ string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSink) AppendLog(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logText += text
	return nil
}

type trackEvent struct {
	state State
	hosts int
}

type fakeTracker struct {
	mu     sync.Mutex
	events []trackEvent
}

func (t *fakeTracker) Update(_ string, state State, hosts []HostResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackEvent{state: state, hosts: len(hosts)})
}

type fakeBackend struct {
	err    error
	called bool
}

func (b *fakeBackend) Deploy(_ context.Context, _ Config, logf func(string, ...any)) error {
	b.called = true
	logf("jenkins backend invoked")
	return b.err
}

// ---- helpers ----

func okResult() remote.Result { return remote.Result{Stdout: "ok\n"} }

func testExecutor(t *testing.T, runner Runner, acq Acquirer, dir *fakeDirectory) *Executor {
	t.Helper()
	return &Executor{
		WorkRoot: t.TempDir(),
		Hosts:    dir,
		Source:   acq,
		Runner:   runner,
		Log:      hclog.NewNullLogger(),
	}
}

func twoHosts() *fakeDirectory {
	return &fakeDirectory{hosts: map[string]remote.Host{
		"h1": {ID: "h1", AuthMode: remote.AuthLocal},
		"h2": {ID: "h2", Address: "203.0.113.9", User: "deploy", AuthMode: remote.AuthPassword, Password: "x"},
	}}
}

// ---- tests ----

func TestExecuteAllHostsAttemptedWithoutStopFlag(t *testing.T) {
	// spec scenario: h1 reachable, h2 not; stopOnFirstFailure=false.
	runner := &fakeRunner{
		results: map[string]remote.Result{"h1": okResult()},
		errs:    map[string]error{"h2": errors.New("dial 203.0.113.9:22: i/o timeout")},
	}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, twoHosts())

	res := e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		RepositoryURL: "https://github.com/example/app.git",
		Branch:        "main",
		DeployScript:  "echo ok",
		HostIDs:       []string{"h1", "h2"},
	})

	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 2, "every host gets exactly one entry")
	assert.Equal(t, HostResult{HostID: "h1", Success: true, Message: "deploy script exited 0"}, res.Hosts[0])
	assert.Equal(t, "h2", res.Hosts[1].HostID)
	assert.False(t, res.Hosts[1].Success)
	assert.Contains(t, res.Hosts[1].Message, "i/o timeout")
	assert.NoError(t, res.Err, "host-scoped failure is not a fatal error")
}

func TestExecuteStopsOnFirstFailure(t *testing.T) {
	runner := &fakeRunner{
		errs:    map[string]error{"h1": errors.New("connection refused")},
		results: map[string]remote.Result{"h2": okResult()},
	}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, twoHosts())

	res := e.Execute(context.Background(), Config{
		DeploymentID:       "dep-1",
		DeployScript:       "echo ok",
		HostIDs:            []string{"h1", "h2"},
		StopOnFirstFailure: true,
	})

	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 1, "iteration halts at the first failure")
	assert.Equal(t, "h1", res.Hosts[0].HostID)
	assert.Contains(t, res.Log, "halting after h1")
}

func TestExecuteNonZeroExitIsHostFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{
		"h1": {ExitCode: 12, Stderr: "unit not found\n"},
	}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1", DeployScript: "systemctl restart app", HostIDs: []string{"h1"},
	})

	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 1)
	assert.Contains(t, res.Hosts[0].Message, "exited 12")
	assert.Contains(t, res.Hosts[0].Message, "unit not found")
}

func TestExecuteCleanupInvariant(t *testing.T) {
	codeCache := t.TempDir()
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: codeCache}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		RepositoryURL: "https://github.com/example/app.git",
		DeployScript:  "echo ok",
		HostIDs:       []string{"h1"},
	})

	assert.True(t, res.Success)
	assert.NoDirExists(t, filepath.Join(e.WorkRoot, "dep-1"), "working dir gone after success")
	assert.DirExists(t, codeCache, "code cache survives")
}

func TestExecuteCleanupRunsOnFatalFailure(t *testing.T) {
	// Build script failure is a fatal abort; cleanup must still run.
	runner := &fakeRunner{results: map[string]remote.Result{
		"local": {ExitCode: 2, Stderr: "make: *** [all] Error 2\n"},
	}}
	sink := &fakeSink{}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, twoHosts())
	e.Sink = sink

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1",
		BuildScript:  "make all",
		DeployScript: "echo ok",
		HostIDs:      []string{"h1", "h2"},
	})

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "exited 2")
	assert.Empty(t, res.Hosts, "deploy stage never ran")
	assert.NoDirExists(t, filepath.Join(e.WorkRoot, "dep-1"))
	assert.Equal(t, []string{StatusDeploying, StatusFailed}, sink.statuses)
}

func TestExecuteDegradeNotAbort(t *testing.T) {
	// spec scenario: unreachable repository, no build or deploy script.
	runner := &fakeRunner{}
	e := testExecutor(t, runner, &fakeAcquirer{err: errors.New("could not resolve host")}, twoHosts())

	res := e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		RepositoryURL: "https://git.unreachable.invalid/app.git",
		HostIDs:       []string{"h1", "h2"},
	})

	assert.True(t, res.Success, "degrade-not-abort: pipeline completes")
	assert.NoError(t, res.Err)
	assert.Contains(t, res.Log, "source acquisition failed")
	assert.Contains(t, res.Log, "continuing with empty code directory")
	assert.Contains(t, res.Log, "no build script configured, skipping build")
	assert.Contains(t, res.Log, "no deploy script configured, skipping")
	require.Len(t, res.Hosts, 2)
	assert.True(t, res.Hosts[0].Success)
	assert.True(t, res.Hosts[1].Success)
	assert.Empty(t, runner.runs, "no script ran anywhere")
}

func TestExecuteScriptTimeout(t *testing.T) {
	// Real local runner with a sleeping script: must fail within
	// timeout + epsilon, never hang.
	runner := remote.NewExecutor(remote.Config{}, hclog.NewNullLogger())
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	start := time.Now()
	res := e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		DeployScript:  "sleep 60",
		HostIDs:       []string{"h1"},
		ScriptTimeout: 400 * time.Millisecond,
	})

	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 1)
	assert.False(t, res.Hosts[0].Success)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.NoDirExists(t, filepath.Join(e.WorkRoot, "dep-1"))
}

func TestExecuteRemoteProjectPathMode(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID:      "dep-1",
		DeployScript:      "git pull && systemctl restart app",
		HostIDs:           []string{"h1"},
		RemoteProjectPath: "/srv/app",
	})

	assert.True(t, res.Success)
	assert.Empty(t, runner.copies, "remote-project mode never stages artifacts")
	require.NotEmpty(t, runner.runs)
	assert.Equal(t, "/srv/app", runner.runs[len(runner.runs)-1].dir)
}

func TestExecuteArtifactModeStagesBeforeRunning(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)
	e.RemoteStageRoot = "/var/lib/deployd/stage"

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-9", DeployScript: "./install.sh", HostIDs: []string{"h1"},
	})

	assert.True(t, res.Success)
	require.Equal(t, []string{"h1:/var/lib/deployd/stage/dep-9"}, runner.copies)
	assert.Equal(t, "/var/lib/deployd/stage/dep-9", runner.runs[0].dir)
}

func TestExecuteStagingFailureIsHostFailure(t *testing.T) {
	runner := &fakeRunner{
		results:  map[string]remote.Result{"h1": okResult()},
		copyErrs: map[string]error{"h1": errors.New("rsync: connection unexpectedly closed")},
	}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1", DeployScript: "./install.sh", HostIDs: []string{"h1"},
	})

	assert.False(t, res.Success)
	require.Len(t, res.Hosts, 1)
	assert.Contains(t, res.Hosts[0].Message, "stage code")
	assert.Empty(t, runner.runs, "script does not run after failed staging")
}

func TestExecuteEnvInjection(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	e.Execute(context.Background(), Config{
		DeploymentID: "dep-1",
		DeployScript: "env",
		HostIDs:      []string{"h1"},
		Env:          map[string]string{"APP_ENV": "prod"},
	})

	require.NotEmpty(t, runner.runs)
	env := runner.runs[0].env
	assert.Equal(t, "prod", env["APP_ENV"])
	assert.Equal(t, "dep-1", env["DEPLOYD_DEPLOYMENT_ID"])
	assert.Equal(t, "h1", env["DEPLOYD_HOST_ID"])
}

func TestExecuteJenkinsBacked(t *testing.T) {
	backend := &fakeBackend{}
	e := testExecutor(t, &fakeRunner{}, &fakeAcquirer{dir: t.TempDir()}, twoHosts())
	e.Jenkins = backend

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1",
		JenkinsJobs:  []string{"app-deploy"},
		HostIDs:      []string{"h1", "h2"},
	})

	assert.True(t, res.Success)
	assert.True(t, backend.called)
	assert.Empty(t, res.Hosts, "jenkins path has no per-host fan-out")
	assert.Contains(t, res.Log, "jenkins backend invoked")
}

func TestExecuteJenkinsBackedWithoutBackendIsFatal(t *testing.T) {
	e := testExecutor(t, &fakeRunner{}, &fakeAcquirer{dir: t.TempDir()}, twoHosts())

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1",
		JenkinsJobs:  []string{"app-deploy"},
	})

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no jenkins server is configured")
}

func TestExecuteJenkinsFailurePropagates(t *testing.T) {
	e := testExecutor(t, &fakeRunner{}, &fakeAcquirer{dir: t.TempDir()}, twoHosts())
	e.Jenkins = &fakeBackend{err: errors.New("build result FAILURE")}

	res := e.Execute(context.Background(), Config{DeploymentID: "dep-1", JenkinsJobs: []string{"j"}})
	assert.False(t, res.Success)
	require.Error(t, res.Err)
}

func TestExecuteTrackerSeesPartialHostResults(t *testing.T) {
	tracker := &fakeTracker{}
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult(), "h2": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{
		"h1": {ID: "h1", AuthMode: remote.AuthLocal},
		"h2": {ID: "h2", AuthMode: remote.AuthLocal},
	}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)
	e.Tracker = tracker

	e.Execute(context.Background(), Config{
		DeploymentID: "dep-1", DeployScript: "echo ok", HostIDs: []string{"h1", "h2"},
	})

	var saw1 bool
	for _, ev := range tracker.events {
		if ev.state == StateDeploying && ev.hosts == 1 {
			saw1 = true
		}
	}
	assert.True(t, saw1, "deploying state with one host result is observable mid-run")
	assert.Equal(t, StateSucceeded, tracker.events[len(tracker.events)-1].state)
}

func TestExecuteCredentialFlowsToAcquirer(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir()}
	e := testExecutor(t, &fakeRunner{}, acq, twoHosts())
	cred := &credential.Credential{Type: credential.TypeToken, Token: "tkn"}
	e.Creds = &fakeResolver{cred: cred}

	e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		RepositoryURL: "https://github.com/example/app.git",
	})

	assert.Equal(t, cred, acq.seen)
}

func TestExecuteVerifyNeverFails(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]remote.Result{"h1": okResult()},
	}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID:  "dep-1",
		DeployScript:  "echo ok",
		HostIDs:       []string{"h1"},
		VerifyProcess: "myapp",
	})

	// The probe output "ok\n" is unreadable as a count; verify logs it
	// and the run still succeeds.
	assert.True(t, res.Success)
	assert.Contains(t, res.Log, "verify h1")
}

func TestExecuteVerifyListenPort(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"h1": {Stdout: "1\n"}}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1",
		DeployScript: "echo ok",
		HostIDs:      []string{"h1"},
		VerifyPort:   8080,
	})

	assert.True(t, res.Success)
	assert.Contains(t, res.Log, "1 listener(s) on port 8080")
	probe := runner.runs[len(runner.runs)-1].script
	assert.Contains(t, probe, ":8080$")
}

func TestExecuteStaleWorkdirWipedOnPrepare(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"h1": okResult()}}
	dir := &fakeDirectory{hosts: map[string]remote.Host{"h1": {ID: "h1", AuthMode: remote.AuthLocal}}}
	e := testExecutor(t, runner, &fakeAcquirer{dir: t.TempDir()}, dir)

	stale := filepath.Join(e.WorkRoot, "dep-1", "leftover")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	res := e.Execute(context.Background(), Config{
		DeploymentID: "dep-1", DeployScript: "echo ok", HostIDs: []string{"h1"},
	})
	assert.True(t, res.Success)
	assert.NoDirExists(t, stale)
}
