package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/deployd/internal/status"
)

// SchedulerStats is satisfied by *scheduler.Scheduler.
type SchedulerStats interface {
	Stats() (enqueued uint64, lost uint64)
}

type Renderer struct {
	Tracker status.Tracker
	Sched   SchedulerStats // optional
}

func NewRenderer(tracker status.Tracker, sched SchedulerStats) *Renderer {
	return &Renderer{Tracker: tracker, Sched: sched}
}

func (r *Renderer) Write(w io.Writer) {
	start := time.Now()
	now := time.Now()

	// ---------------------------------------------------
	// Engine-level metrics
	// ---------------------------------------------------
	fmt.Fprintf(w, "# HELP %s 1 if the deployment engine is running.\n", MetricEngineUp)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricEngineUp)
	fmt.Fprintf(w, "%s 1\n", MetricEngineUp)

	if r.Sched != nil {
		enqueued, lost := r.Sched.Stats()
		fmt.Fprintf(w, "# HELP %s Deployments handed to workers.\n", MetricSchedulerEnqueued)
		fmt.Fprintf(w, "# TYPE %s counter\n", MetricSchedulerEnqueued)
		fmt.Fprintf(w, "%s %d\n", MetricSchedulerEnqueued, enqueued)

		fmt.Fprintf(w, "# HELP %s Due deployments claimed by a competing poller.\n", MetricSchedulerLostClaims)
		fmt.Fprintf(w, "# TYPE %s counter\n", MetricSchedulerLostClaims)
		fmt.Fprintf(w, "%s %d\n", MetricSchedulerLostClaims, lost)
	}

	// ---------------------------------------------------
	// Per-deployment metrics (headers)
	// ---------------------------------------------------
	fmt.Fprintf(w, "# HELP %s Current pipeline state per deployment.\n", MetricDeploymentState)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricDeploymentState)

	fmt.Fprintf(w, "# HELP %s Hosts attempted so far.\n", MetricDeploymentHosts)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricDeploymentHosts)

	fmt.Fprintf(w, "# HELP %s Hosts deployed successfully so far.\n", MetricDeploymentHostsSucceeded)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricDeploymentHostsSucceeded)

	fmt.Fprintf(w, "# HELP %s Seconds since the last state change.\n", MetricDeploymentAgeSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricDeploymentAgeSeconds)

	snap := r.Tracker.All()

	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := snap[id]

		labels := map[string]string{"deployment": id}
		stateLabels := map[string]string{"deployment": id, "state": string(s.State)}
		fmt.Fprintf(w, "%s%s 1\n", MetricDeploymentState, formatLabels(stateLabels))

		ok := 0
		for _, h := range s.Hosts {
			if h.Success {
				ok++
			}
		}
		fmt.Fprintf(w, "%s%s %d\n", MetricDeploymentHosts, formatLabels(labels), len(s.Hosts))
		fmt.Fprintf(w, "%s%s %d\n", MetricDeploymentHostsSucceeded, formatLabels(labels), ok)
		fmt.Fprintf(w, "%s%s %.3f\n", MetricDeploymentAgeSeconds, formatLabels(labels), now.Sub(s.UpdatedAt).Seconds())
	}

	// render duration
	fmt.Fprintf(w, "# HELP %s Time spent rendering /metrics.\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, time.Since(start).Seconds())
}

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s=%q", k, m[k])
	}
	b.WriteString("}")
	return b.String()
}
