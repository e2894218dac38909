package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tastythames/deployd/internal/deploy"
)

// Source is the slice of the store the poll loop reads: approved
// deployments whose scheduled time has elapsed, plus the atomic claim
// that prevents double-triggering.
type Source interface {
	Due(ctx context.Context, now time.Time) ([]deploy.Config, error)
	Claim(ctx context.Context, deploymentID string) (bool, error)
}

// Scheduler promotes approved-and-due deployments into execution. It
// only claims and enqueues; workers do the actual running, so a
// long-running deployment never blocks the poll loop.
type Scheduler struct {
	interval time.Duration
	jitter   time.Duration

	src   Source
	jobCh chan deploy.Config
	log   hclog.Logger

	// stats (atomic) for observability
	enqueued uint64
	lost     uint64
}

type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	Source   Source
	JobCh    chan deploy.Config
	Log      hclog.Logger
}

// NewScheduler creates a scheduler that polls Source every Interval
// (default 60s) and pushes claimed deployments into JobCh. Jitter adds
// a random delay each cycle to reduce herd effects.
func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Scheduler{
		interval: opts.Interval,
		jitter:   opts.Jitter,
		src:      opts.Source,
		jobCh:    opts.JobCh,
		log:      log.Named("scheduler"),
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	// Kick once immediately
	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.jitter > 0 {
				delay := time.Duration(rand.Int63n(int64(s.jitter)))
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			s.poll(ctx)
		}
	}
}

// poll claims each due deployment before enqueueing it. The claim
// clears the scheduled time, so a lost race shows up as a skip here
// instead of a double trigger.
func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.src.Due(ctx, time.Now())
	if err != nil {
		s.log.Error("due deployment scan failed", "error", err)
		return
	}

	for _, cfg := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := s.src.Claim(ctx, cfg.DeploymentID)
		if err != nil {
			s.log.Error("claim failed", "deployment_id", cfg.DeploymentID, "error", err)
			continue
		}
		if !claimed {
			// Another poller got there first.
			atomic.AddUint64(&s.lost, 1)
			continue
		}

		select {
		case s.jobCh <- cfg:
			atomic.AddUint64(&s.enqueued, 1)
			s.log.Info("deployment enqueued", "deployment_id", cfg.DeploymentID)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stats() (enqueued uint64, lost uint64) {
	return atomic.LoadUint64(&s.enqueued), atomic.LoadUint64(&s.lost)
}
