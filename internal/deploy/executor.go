package deploy

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/tastythames/deployd/internal/credential"
	"github.com/tastythames/deployd/internal/remote"
)

const DefaultScriptTimeout = 5 * time.Minute

// Executor drives one deployment through the pipeline:
// Preparing -> Acquiring -> Building -> Deploying -> Verifying ->
// CleaningUp -> {Succeeded, Failed}. Hosts are deployed to
// sequentially so logs stay attributable and stop-on-first-failure
// stays meaningful. Separate deployments may run concurrently; each
// owns a working directory keyed by its deployment ID.
type Executor struct {
	WorkRoot        string
	RemoteStageRoot string // remote staging area for artifact transfer

	Hosts   HostDirectory
	Creds   CredentialResolver
	Source  Acquirer
	Runner  Runner
	Jenkins Backend // nil unless a Jenkins server is configured

	Sink    StatusSink // optional
	Tracker Tracker    // optional

	ScriptTimeout time.Duration
	Log           hclog.Logger
}

// Execute runs the full pipeline and always returns a Result, even on
// total failure. The working directory is removed on every exit path;
// the code cache is deliberately left behind for the next run.
func (e *Executor) Execute(ctx context.Context, cfg Config) Result {
	start := time.Now()
	runID := uuid.NewString()

	log := e.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("deploy").With("run_id", runID)
	rl := newRunLog(cfg.DeploymentID, e.Sink, log)

	if e.Sink != nil {
		if err := e.Sink.SetStatus(ctx, cfg.DeploymentID, StatusDeploying); err != nil {
			log.Warn("set status deploying failed", "error", err)
		}
	}
	rl.printf("deployment %s starting (run %s)", cfg.DeploymentID, runID)

	hosts, err := e.pipeline(ctx, cfg, rl)

	// CleaningUp always runs, whatever state preceded it.
	e.track(cfg.DeploymentID, StateCleaningUp, hosts)
	workDir := e.workDir(cfg)
	if rmErr := os.RemoveAll(workDir); rmErr != nil {
		rl.printf("cleanup: failed to remove working directory %s: %v", workDir, rmErr)
	} else {
		rl.printf("cleanup: removed working directory %s (code cache kept)", workDir)
	}

	res := Result{
		Success:  err == nil && allOK(hosts),
		Err:      err,
		Hosts:    hosts,
		Duration: time.Since(start),
	}

	final := StateSucceeded
	status := StatusSuccess
	if !res.Success {
		final = StateFailed
		status = StatusFailed
	}
	if err != nil {
		rl.printf("deployment %s failed after %s: %v", cfg.DeploymentID, res.Duration.Round(time.Millisecond), err)
	} else {
		rl.printf("deployment %s finished: %s in %s", cfg.DeploymentID, status, res.Duration.Round(time.Millisecond))
	}
	res.Log = rl.String()

	e.track(cfg.DeploymentID, final, hosts)
	if e.Sink != nil {
		// Terminal status must land even if the run context is dead,
		// or a timed-out deployment stays "deploying" in the UI forever.
		if err := e.Sink.SetStatus(context.Background(), cfg.DeploymentID, status); err != nil {
			log.Warn("set terminal status failed", "status", status, "error", err)
		}
	}
	return res
}

// pipeline runs Preparing through Verifying. A returned error is a
// fatal abort; host-scoped failures live in the returned slice.
func (e *Executor) pipeline(ctx context.Context, cfg Config, rl *runLog) ([]HostResult, error) {
	// Preparing
	e.track(cfg.DeploymentID, StatePreparing, nil)
	workDir := e.workDir(cfg)
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("wipe stale working directory: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	rl.printf("prepared working directory %s", workDir)

	// Acquiring
	e.track(cfg.DeploymentID, StateAcquiring, nil)
	codeDir, err := e.acquire(ctx, cfg, rl, workDir)
	if err != nil {
		return nil, err
	}

	// Building
	e.track(cfg.DeploymentID, StateBuilding, nil)
	if err := e.build(ctx, cfg, rl, codeDir); err != nil {
		return nil, err
	}

	// Deploying
	e.track(cfg.DeploymentID, StateDeploying, nil)
	hosts, err := e.deploy(ctx, cfg, rl, codeDir)
	if err != nil {
		return hosts, err
	}

	// Verifying is best-effort and never fails the pipeline.
	e.track(cfg.DeploymentID, StateVerifying, hosts)
	e.verify(ctx, cfg, rl, hosts)

	return hosts, nil
}

// acquire fetches source, degrading to an empty code directory on
// failure: a deploy script may not need source at all (service
// restarts, config pushes).
func (e *Executor) acquire(ctx context.Context, cfg Config, rl *runLog, workDir string) (string, error) {
	emptyDir := func() (string, error) {
		dir := filepath.Join(workDir, "code")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create empty code directory: %w", err)
		}
		return dir, nil
	}

	if cfg.RepositoryURL == "" {
		rl.printf("no repository configured, skipping source acquisition")
		return emptyDir()
	}

	var cred = e.resolveCredential(ctx, cfg)
	if cred != nil {
		rl.printf("resolved %s credential for %s", cred.Type, cfg.RepositoryURL)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout(cfg))
	defer cancel()

	dir, err := e.Source.Acquire(acquireCtx, cfg.RepositoryURL, cfg.Branch, cred)
	if err != nil {
		rl.printf("source acquisition failed: %v", err)
		rl.printf("continuing with empty code directory")
		return emptyDir()
	}
	rl.printf("acquired %s (branch %q) into %s", cfg.RepositoryURL, cfg.Branch, dir)
	return dir, nil
}

func (e *Executor) resolveCredential(ctx context.Context, cfg Config) *credential.Credential {
	if e.Creds == nil {
		return nil
	}
	return e.Creds.Resolve(ctx, cfg.CredentialID, cfg.RepositoryURL)
}

func (e *Executor) build(ctx context.Context, cfg Config, rl *runLog, codeDir string) error {
	if cfg.BuildScript == "" {
		rl.printf("no build script configured, skipping build")
		return nil
	}

	rl.printf("running build script in %s", codeDir)
	runCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout(cfg))
	defer cancel()

	res, err := e.Runner.Run(runCtx, localHost(), codeDir, cfg.BuildScript, e.scriptEnv(cfg, ""))
	rl.output("build", res.Stdout)
	rl.output("build!", res.Stderr)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("build script exited %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	rl.printf("build succeeded")
	return nil
}

func (e *Executor) deploy(ctx context.Context, cfg Config, rl *runLog, codeDir string) ([]HostResult, error) {
	if len(cfg.JenkinsJobs) > 0 {
		if e.Jenkins == nil {
			return nil, fmt.Errorf("deployment is jenkins-backed but no jenkins server is configured")
		}
		rl.printf("dispatching to jenkins backend (%d job(s))", len(cfg.JenkinsJobs))
		if err := e.Jenkins.Deploy(ctx, cfg, rl.printf); err != nil {
			return nil, fmt.Errorf("jenkins: %w", err)
		}
		return nil, nil
	}

	var results []HostResult
	for _, hostID := range cfg.HostIDs {
		hr := e.deployHost(ctx, cfg, rl, codeDir, hostID)
		results = append(results, hr)
		e.track(cfg.DeploymentID, StateDeploying, results)

		if !hr.Success && cfg.StopOnFirstFailure {
			rl.printf("stop-on-first-failure set, halting after %s", hostID)
			break
		}
	}
	return results, nil
}

func (e *Executor) deployHost(ctx context.Context, cfg Config, rl *runLog, codeDir, hostID string) HostResult {
	if cfg.DeployScript == "" {
		rl.printf("host %s: no deploy script configured, skipping", hostID)
		return HostResult{HostID: hostID, Success: true, Message: "skipped: no deploy script"}
	}

	host, err := e.Hosts.Host(ctx, hostID)
	if err != nil {
		rl.printf("host %s: resolve failed: %v", hostID, err)
		return HostResult{HostID: hostID, Success: false, Message: fmt.Sprintf("resolve host: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout(cfg))
	defer cancel()

	// Remote-project mode runs the script inside a pre-existing
	// checkout on the host; artifact mode stages the built code over
	// rsync first and runs the script there.
	targetDir := cfg.RemoteProjectPath
	if targetDir == "" {
		targetDir = path.Join(e.stageRoot(), cfg.DeploymentID)
		rl.printf("host %s: staging code to %s", hostID, targetDir)
		if err := e.Runner.CopyDir(runCtx, host, codeDir, targetDir); err != nil {
			rl.printf("host %s: staging failed: %v", hostID, err)
			return HostResult{HostID: hostID, Success: false, Message: fmt.Sprintf("stage code: %v", err)}
		}
	} else {
		rl.printf("host %s: using remote project directory %s", hostID, targetDir)
	}

	rl.printf("host %s: running deploy script", hostID)
	res, err := e.Runner.Run(runCtx, host, targetDir, cfg.DeployScript, e.scriptEnv(cfg, hostID))
	rl.output(hostID, res.Stdout)
	rl.output(hostID+"!", res.Stderr)

	switch {
	case err != nil:
		rl.printf("host %s: deploy failed: %v", hostID, err)
		return HostResult{HostID: hostID, Success: false, Message: err.Error()}
	case !res.OK():
		rl.printf("host %s: deploy script exited %d", hostID, res.ExitCode)
		return HostResult{HostID: hostID, Success: false,
			Message: fmt.Sprintf("deploy script exited %d: %s", res.ExitCode, firstLine(res.Stderr))}
	}
	rl.printf("host %s: deploy succeeded", hostID)
	return HostResult{HostID: hostID, Success: true, Message: "deploy script exited 0"}
}

func (e *Executor) verify(ctx context.Context, cfg Config, rl *runLog, hosts []HostResult) {
	type check struct {
		probe remote.Probe
		what  string
	}
	var checks []check
	if cfg.VerifyProcess != "" {
		checks = append(checks, check{remote.ProbeProcess(cfg.VerifyProcess), fmt.Sprintf("process(es) matching %q", cfg.VerifyProcess)})
	}
	if cfg.VerifyPort > 0 {
		checks = append(checks, check{remote.ProbeListen(cfg.VerifyPort), fmt.Sprintf("listener(s) on port %d", cfg.VerifyPort)})
	}
	if len(checks) == 0 {
		rl.printf("no verification probe configured, skipping verification")
		return
	}

	for _, hr := range hosts {
		if !hr.Success {
			continue
		}
		host, err := e.Hosts.Host(ctx, hr.HostID)
		if err != nil {
			rl.printf("verify %s: resolve failed: %v", hr.HostID, err)
			continue
		}
		for _, c := range checks {
			runCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout(cfg))
			res, err := e.Runner.Run(runCtx, host, "", c.probe.String(), nil)
			cancel()
			if err != nil || !res.OK() {
				rl.printf("verify %s: probe failed (not fatal): %v", hr.HostID, err)
				continue
			}
			n, err := remote.ParseCount(res.Stdout)
			if err != nil {
				rl.printf("verify %s: unreadable probe output (not fatal): %v", hr.HostID, err)
				continue
			}
			if n > 0 {
				rl.printf("verify %s: %d %s", hr.HostID, n, c.what)
			} else {
				rl.printf("verify %s: no %s (not fatal)", hr.HostID, c.what)
			}
		}
	}
}

func (e *Executor) track(deploymentID string, state State, hosts []HostResult) {
	if e.Tracker != nil {
		e.Tracker.Update(deploymentID, state, hosts)
	}
}

func (e *Executor) workDir(cfg Config) string {
	return filepath.Join(e.WorkRoot, cfg.DeploymentID)
}

func (e *Executor) stageRoot() string {
	if e.RemoteStageRoot != "" {
		return e.RemoteStageRoot
	}
	return "/tmp/deployd"
}

func (e *Executor) scriptTimeout(cfg Config) time.Duration {
	if cfg.ScriptTimeout > 0 {
		return cfg.ScriptTimeout
	}
	if e.ScriptTimeout > 0 {
		return e.ScriptTimeout
	}
	return DefaultScriptTimeout
}

func (e *Executor) scriptEnv(cfg Config, hostID string) map[string]string {
	env := make(map[string]string, len(cfg.Env)+2)
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["DEPLOYD_DEPLOYMENT_ID"] = cfg.DeploymentID
	if hostID != "" {
		env["DEPLOYD_HOST_ID"] = hostID
	}
	return env
}

func localHost() remote.Host {
	return remote.Host{ID: "local", AuthMode: remote.AuthLocal}
}

func allOK(hosts []HostResult) bool {
	for _, h := range hosts {
		if !h.Success {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
