package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/tastythames/deployd/internal/deploy"
)

type fakeSource struct {
	mu         sync.Mutex
	due        []deploy.Config
	claimed    map[string]bool
	dueErr     error
	claimFails bool
	onClaim    func()
}

func (f *fakeSource) Due(context.Context, time.Time) ([]deploy.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var out []deploy.Config
	for _, cfg := range f.due {
		if !f.claimed[cfg.DeploymentID] {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeSource) Claim(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onClaim != nil {
		f.onClaim()
	}
	if f.claimFails {
		return false, nil
	}
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func TestSchedulerEnqueuesDueDeploymentsOnce(t *testing.T) {
	src := &fakeSource{due: []deploy.Config{{DeploymentID: "dep-1"}, {DeploymentID: "dep-2"}}}
	jobCh := make(chan deploy.Config, 10)
	s := NewScheduler(Options{Interval: 10 * time.Millisecond, Source: src, JobCh: jobCh, Log: hclog.NewNullLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	var got []string
	for len(got) < 2 {
		select {
		case cfg := <-jobCh:
			got = append(got, cfg.DeploymentID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for enqueued deployments")
		}
	}
	assert.ElementsMatch(t, []string{"dep-1", "dep-2"}, got)

	// Claimed deployments never re-fire on later cycles.
	select {
	case cfg := <-jobCh:
		t.Fatalf("deployment %s enqueued twice", cfg.DeploymentID)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()

	enqueued, lost := s.Stats()
	assert.Equal(t, uint64(2), enqueued)
	assert.Equal(t, uint64(0), lost)
}

func TestSchedulerSkipsLostClaims(t *testing.T) {
	// A competing poller always wins the claim: nothing may be
	// enqueued, and the loss is counted.
	src := &fakeSource{
		due:        []deploy.Config{{DeploymentID: "dep-1"}},
		claimFails: true,
	}
	jobCh := make(chan deploy.Config, 1)
	s := NewScheduler(Options{Interval: time.Hour, Source: src, JobCh: jobCh, Log: hclog.NewNullLogger()})

	s.poll(context.Background())

	select {
	case cfg := <-jobCh:
		t.Fatalf("lost claim still enqueued %s", cfg.DeploymentID)
	default:
	}
	_, lost := s.Stats()
	assert.Equal(t, uint64(1), lost)
}

func TestShutdownClosesJobChannelAfterPollReturns(t *testing.T) {
	// Shutdown ordering: cancellation can land between claim and
	// enqueue. The owner of the job channel must wait for the poll loop
	// to return before closing it, or an in-flight enqueue panics on
	// the closed channel. Repeat to give the race room to show.
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		src := &fakeSource{due: []deploy.Config{{DeploymentID: "dep-1"}}}
		src.onClaim = cancel

		jobCh := make(chan deploy.Config, 1)
		s := NewScheduler(Options{Interval: time.Hour, Source: src, JobCh: jobCh, Log: hclog.NewNullLogger()})

		done := make(chan struct{})
		go func() {
			s.poll(ctx)
			close(done)
		}()

		<-done
		close(jobCh)
		cancel()
	}
}

func TestSchedulerSurvivesScanErrors(t *testing.T) {
	src := &fakeSource{dueErr: errors.New("store down")}
	s := NewScheduler(Options{Interval: time.Hour, Source: src, JobCh: make(chan deploy.Config, 1), Log: hclog.NewNullLogger()})
	s.poll(context.Background()) // must not panic or enqueue
	enqueued, _ := s.Stats()
	assert.Zero(t, enqueued)
}

type countingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *countingRunner) Execute(_ context.Context, cfg deploy.Config) deploy.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, cfg.DeploymentID)
	return deploy.Result{Success: true}
}

func TestWorkerDrainsJobs(t *testing.T) {
	runner := &countingRunner{}
	jobs := make(chan deploy.Config, 3)
	jobs <- deploy.Config{DeploymentID: "a"}
	jobs <- deploy.Config{DeploymentID: "b"}
	close(jobs)

	done := make(chan struct{})
	go func() {
		StartWorker(1, jobs, runner, hclog.NewNullLogger())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
	assert.Equal(t, []string{"a", "b"}, runner.runs)
}
