package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/tastythames/deployd/internal/config"
	"github.com/tastythames/deployd/internal/credential"
	"github.com/tastythames/deployd/internal/deploy"
	"github.com/tastythames/deployd/internal/inventory"
	"github.com/tastythames/deployd/internal/jenkins"
	"github.com/tastythames/deployd/internal/metrics"
	"github.com/tastythames/deployd/internal/remote"
	"github.com/tastythames/deployd/internal/scheduler"
	"github.com/tastythames/deployd/internal/source"
	"github.com/tastythames/deployd/internal/status"
	"github.com/tastythames/deployd/internal/store"
)

// storeSource adapts the sqlite store to the scheduler's feed: due
// records become execution configs, claiming clears the schedule slot.
type storeSource struct {
	st *store.Store
}

func (s storeSource) Due(ctx context.Context, now time.Time) ([]deploy.Config, error) {
	recs, err := s.st.DueDeployments(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]deploy.Config, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ExecConfig())
	}
	return out, nil
}

func (s storeSource) Claim(ctx context.Context, deploymentID string) (bool, error) {
	return s.st.ClearSchedule(ctx, deploymentID)
}

func loadIdentity(path string, log hclog.Logger) age.Identity {
	if path == "" {
		log.Warn("no age identity configured, stored credentials will not decrypt")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		log.Error("open age identity", "path", path, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil || len(ids) == 0 {
		log.Error("parse age identity", "path", path, "error", err)
		os.Exit(1)
	}
	return ids[0]
}

func main() {
	var (
		configPath = pflag.String("config", "", "path to deployd yaml config")
		logLevel   = pflag.String("log-level", "info", "trace|debug|info|warn|error")
	)
	pflag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "deployd",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"sqlite", cfg.SqlitePath,
		"poll_interval", cfg.PollInterval(),
		"workers", cfg.Workers)

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create data dir", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.SqlitePath, log)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// The store is the host directory unless a yaml inventory is
	// configured.
	var hosts deploy.HostDirectory = st
	if cfg.HostsFile != "" {
		inv, err := inventory.Load(cfg.HostsFile)
		if err != nil {
			log.Error("load host inventory", "path", cfg.HostsFile, "error", err)
			os.Exit(1)
		}
		hosts = inv
		log.Info("using yaml host inventory", "path", cfg.HostsFile, "hosts", len(inv.Hosts))
	}

	resolver := credential.NewResolver(st, loadIdentity(cfg.AgeIdentityFile, log), log)
	acquirer := source.NewAcquirer(cfg.CacheDir, log)
	runner := remote.NewExecutor(remote.LoadConfig(), log)

	exec := &deploy.Executor{
		WorkRoot:        cfg.DataDir,
		RemoteStageRoot: cfg.RemoteStageRoot,
		Hosts:           hosts,
		Creds:           resolver,
		Source:          acquirer,
		Runner:          runner,
		Sink:            st,
		ScriptTimeout:   cfg.ScriptTimeout(),
		Log:             log,
	}
	if cfg.Jenkins.URL != "" {
		client := jenkins.NewHTTPClient(cfg.Jenkins.URL, cfg.Jenkins.Username, cfg.Jenkins.APIToken)
		exec.Jenkins = jenkins.NewBridge(client, st, log)
		log.Info("jenkins bridge enabled", "url", cfg.Jenkins.URL)
	}

	tracker := status.NewMemTracker()
	exec.Tracker = tracker

	jobCh := make(chan deploy.Config, 100)
	sched := scheduler.NewScheduler(scheduler.Options{
		Interval: cfg.PollInterval(),
		Jitter:   cfg.PollInterval() / 10,
		Source:   storeSource{st: st},
		JobCh:    jobCh,
		Log:      log,
	})

	for i := 0; i < cfg.Workers; i++ {
		go scheduler.StartWorker(i, jobCh, exec, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	r := metrics.NewRenderer(tracker, sched)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Write(w)
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		log.Info("deployd listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	log.Info("shutting down", "signal", fmt.Sprint(sig))

	cancel()
	// The scheduler may be mid-poll with a claimed deployment in hand;
	// only close the job channel once its loop has returned.
	<-schedDone
	close(jobCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
