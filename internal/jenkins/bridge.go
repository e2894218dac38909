package jenkins

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tastythames/deployd/internal/deploy"
)

// QueueStore persists the queue handle on the owning deployment record
// so later status polls resolve queue -> build without re-submitting.
type QueueStore interface {
	SetJenkinsQueue(ctx context.Context, deploymentID string, queueID int64, queueURL string) error
}

// Bridge is the alternate execution backend: instead of running
// scripts over SSH it triggers Jenkins jobs and waits for the builds.
type Bridge struct {
	Client       Client
	Queues       QueueStore // optional
	PollInterval time.Duration
	BuildTimeout time.Duration
	Log          hclog.Logger
}

func NewBridge(client Client, queues QueueStore, log hclog.Logger) *Bridge {
	return &Bridge{
		Client:       client,
		Queues:       queues,
		PollInterval: 3 * time.Second,
		BuildTimeout: 30 * time.Minute,
		Log:          log.Named("jenkins"),
	}
}

// Deploy validates the deployment's job names against the live job
// listing, triggers the known ones and polls each to completion.
// Unknown names are skipped with a warning rather than submitted
// blindly. A build is terminal once result is present and building is
// false; anything but SUCCESS fails the deployment.
func (b *Bridge) Deploy(ctx context.Context, cfg deploy.Config, logf func(format string, args ...any)) error {
	known, err := b.Client.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}

	triggered := 0
	var firstFailure error
	for _, job := range cfg.JenkinsJobs {
		if !knownSet[job] {
			logf("jenkins job %q not found on server, skipping", job)
			b.Log.Warn("unknown jenkins job skipped", "job", job, "deployment_id", cfg.DeploymentID)
			continue
		}
		triggered++
		if err := b.runJob(ctx, cfg, job, logf); err != nil {
			if firstFailure == nil {
				firstFailure = fmt.Errorf("job %s: %w", job, err)
			}
			logf("jenkins job %q failed: %v", job, err)
			if cfg.StopOnFirstFailure {
				break
			}
		}
	}

	if triggered == 0 {
		logf("no configured jenkins job exists on the server, nothing triggered")
	}
	return firstFailure
}

func (b *Bridge) runJob(ctx context.Context, cfg deploy.Config, job string, logf func(string, ...any)) error {
	queueID, queueURL, err := b.Client.Trigger(ctx, job, cfg.Env)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	logf("jenkins job %q queued (item %d)", job, queueID)

	if b.Queues != nil {
		if err := b.Queues.SetJenkinsQueue(ctx, cfg.DeploymentID, queueID, queueURL); err != nil {
			b.Log.Warn("persist queue handle failed", "deployment_id", cfg.DeploymentID, "error", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.buildTimeout())
	defer cancel()

	number, err := b.awaitBuildNumber(waitCtx, queueID)
	if err != nil {
		return err
	}
	logf("jenkins job %q started build #%d", job, number)

	status, err := b.awaitCompletion(waitCtx, job, number)
	if err != nil {
		return err
	}
	logf("jenkins job %q build #%d finished: %s (%s)", job, number, status.Result, status.Duration.Round(time.Second))

	if console, err := b.Client.ConsoleLog(waitCtx, job, number); err == nil && console != "" {
		logf("jenkins console for %q build #%d:\n%s", job, number, console)
	}

	if status.Result != "SUCCESS" {
		return fmt.Errorf("build #%d result %s", number, status.Result)
	}
	return nil
}

func (b *Bridge) awaitBuildNumber(ctx context.Context, queueID int64) (int64, error) {
	for {
		number, pending, err := b.Client.QueueItem(ctx, queueID)
		if err != nil {
			return 0, fmt.Errorf("queue item %d: %w", queueID, err)
		}
		if !pending {
			return number, nil
		}
		if err := sleep(ctx, b.pollInterval()); err != nil {
			return 0, err
		}
	}
}

func (b *Bridge) awaitCompletion(ctx context.Context, job string, number int64) (BuildStatus, error) {
	for {
		status, err := b.Client.Build(ctx, job, number)
		if err != nil {
			return BuildStatus{}, fmt.Errorf("build %s#%d: %w", job, number, err)
		}
		if !status.Building && status.Result != "" {
			return status, nil
		}
		if err := sleep(ctx, b.pollInterval()); err != nil {
			return BuildStatus{}, err
		}
	}
}

func (b *Bridge) pollInterval() time.Duration {
	if b.PollInterval > 0 {
		return b.PollInterval
	}
	return 3 * time.Second
}

func (b *Bridge) buildTimeout() time.Duration {
	if b.BuildTimeout > 0 {
		return b.BuildTimeout
	}
	return 30 * time.Minute
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
