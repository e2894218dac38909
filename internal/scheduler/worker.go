package scheduler

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/tastythames/deployd/internal/deploy"
)

// Runner is what a worker drives; *deploy.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, cfg deploy.Config) deploy.Result
}

// StartWorker drains jobs until the channel closes. Each deployment
// runs under its own background context: once started, a deployment
// runs to completion or per-script timeout, there is no mid-run
// cancellation.
func StartWorker(id int, jobs <-chan deploy.Config, exec Runner, log hclog.Logger) {
	log = log.Named("worker").With("worker_id", id)
	log.Debug("worker started")

	for cfg := range jobs {
		log.Info("executing deployment", "deployment_id", cfg.DeploymentID)
		res := exec.Execute(context.Background(), cfg)
		if res.Success {
			log.Info("deployment succeeded",
				"deployment_id", cfg.DeploymentID, "duration", res.Duration, "hosts", len(res.Hosts))
		} else {
			log.Error("deployment failed",
				"deployment_id", cfg.DeploymentID, "duration", res.Duration, "error", res.Err)
		}
	}
	log.Debug("worker stopped")
}
