package metrics

const (
	// engine health
	MetricEngineUp              = "deployd_up"
	MetricRenderDurationSeconds = "deployd_render_duration_seconds"

	// scheduler
	MetricSchedulerEnqueued   = "deployd_scheduler_enqueued_total"
	MetricSchedulerLostClaims = "deployd_scheduler_lost_claims_total"

	// per-deployment
	MetricDeploymentState          = "deployd_deployment_state"
	MetricDeploymentHosts          = "deployd_deployment_hosts_total"
	MetricDeploymentHostsSucceeded = "deployd_deployment_hosts_succeeded_total"
	MetricDeploymentAgeSeconds     = "deployd_deployment_age_seconds"
)
