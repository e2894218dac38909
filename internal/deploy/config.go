package deploy

import (
	"context"
	"time"

	"github.com/tastythames/deployd/internal/credential"
	"github.com/tastythames/deployd/internal/remote"
)

// State names the executor's position in the pipeline. A caller polling
// mid-run sees StateDeploying with partial per-host results already
// recorded.
type State string

const (
	StatePreparing  State = "preparing"
	StateAcquiring  State = "acquiring"
	StateBuilding   State = "building"
	StateDeploying  State = "deploying"
	StateVerifying  State = "verifying"
	StateCleaningUp State = "cleaning_up"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Config is the immutable input to one execution.
type Config struct {
	DeploymentID string
	HostIDs      []string

	RepositoryURL string
	Branch        string
	CredentialID  string

	BuildScript  string
	DeployScript string
	Env          map[string]string

	// ScriptTimeout bounds each individual script run, not the whole
	// pipeline. Zero means the executor default.
	ScriptTimeout time.Duration

	StopOnFirstFailure bool

	// RemoteProjectPath switches a host from artifact-transfer mode to
	// running the deploy script inside a pre-existing remote checkout.
	RemoteProjectPath string

	// JenkinsJobs makes the deployment Jenkins-backed: the deploy stage
	// dispatches these jobs instead of fanning out over HostIDs.
	JenkinsJobs []string

	// VerifyProcess, when set, is a process pattern probed on each
	// successfully deployed host during the verify stage. VerifyPort
	// additionally checks for a listening TCP socket on that port.
	VerifyProcess string
	VerifyPort    int
}

// HostResult records the outcome on one target host.
type HostResult struct {
	HostID  string
	Success bool
	Message string
}

// Result is always produced, even on total failure, carrying whatever
// log text accumulated before the fault.
type Result struct {
	Success  bool
	Log      string
	Duration time.Duration
	Err      error
	Hosts    []HostResult
}

// Collaborator seams. The store, inventory, acquirer, runner and
// bridge all satisfy these; tests use fakes.

type HostDirectory interface {
	Host(ctx context.Context, id string) (remote.Host, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, url, branch string, cred *credential.Credential) (string, error)
}

type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID, repoURL string) *credential.Credential
}

type Runner interface {
	Run(ctx context.Context, host remote.Host, dir, script string, env map[string]string) (remote.Result, error)
	CopyDir(ctx context.Context, host remote.Host, src, dst string) error
}

// Backend is the alternate execution backend for Jenkins-backed
// deployments. It logs through logf so its trace lands in the
// deployment log.
type Backend interface {
	Deploy(ctx context.Context, cfg Config, logf func(format string, args ...any)) error
}

// StatusSink receives the status and log updates the core streams into
// the deployment record.
type StatusSink interface {
	SetStatus(ctx context.Context, deploymentID, status string) error
	AppendLog(ctx context.Context, deploymentID, text string) error
}

// Tracker receives live state for mid-run polling.
type Tracker interface {
	Update(deploymentID string, state State, hosts []HostResult)
}

// Store status values, per the deployment record contract.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusDeploying = "deploying"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
)
