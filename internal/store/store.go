// Package store is the relational backing for deployment, host and
// credential records. It implements the collaborator interfaces the
// execution engine consumes: status/log sink, host directory,
// credential source and Jenkins queue persistence.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tastythames/deployd/internal/credential"
	"github.com/tastythames/deployd/internal/deploy"
	"github.com/tastythames/deployd/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	repository_url         TEXT NOT NULL DEFAULT '',
	branch                 TEXT NOT NULL DEFAULT '',
	credential_id          TEXT NOT NULL DEFAULT '',
	build_script           TEXT NOT NULL DEFAULT '',
	deploy_script          TEXT NOT NULL DEFAULT '',
	env                    TEXT NOT NULL DEFAULT '',
	host_ids               TEXT NOT NULL DEFAULT '',
	script_timeout_seconds INTEGER NOT NULL DEFAULT 0,
	stop_on_first_failure  INTEGER NOT NULL DEFAULT 0,
	remote_project_path    TEXT NOT NULL DEFAULT '',
	verify_process         TEXT NOT NULL DEFAULT '',
	verify_port            INTEGER NOT NULL DEFAULT 0,
	jenkins_jobs           TEXT NOT NULL DEFAULT '',
	jenkins_queue_id       INTEGER NOT NULL DEFAULT 0,
	jenkins_queue_url      TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'pending',
	log                    TEXT NOT NULL DEFAULT '',
	scheduled_at           INTEGER,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS deployments_due
	ON deployments (status, scheduled_at) WHERE scheduled_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS hosts (
	id        TEXT PRIMARY KEY,
	address   TEXT NOT NULL DEFAULT '',
	port      INTEGER NOT NULL DEFAULT 0,
	username  TEXT NOT NULL DEFAULT '',
	auth_mode TEXT NOT NULL,
	password  TEXT NOT NULL DEFAULT '',
	key_path  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	platform   TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	blob       BLOB NOT NULL
);
`

// Deployment is one deployment record as stored. Env, HostIDs and
// JenkinsJobs round-trip through yaml text columns.
type Deployment struct {
	ID            string
	Name          string
	RepositoryURL string
	Branch        string
	CredentialID  string

	BuildScript  string
	DeployScript string
	Env          map[string]string
	HostIDs      []string

	ScriptTimeout      time.Duration
	StopOnFirstFailure bool
	RemoteProjectPath  string
	VerifyProcess      string
	VerifyPort         int

	JenkinsJobs     []string
	JenkinsQueueID  int64
	JenkinsQueueURL string

	Status      string
	Log         string
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecConfig maps the record onto the executor's immutable input.
func (d *Deployment) ExecConfig() deploy.Config {
	return deploy.Config{
		DeploymentID:       d.ID,
		HostIDs:            d.HostIDs,
		RepositoryURL:      d.RepositoryURL,
		Branch:             d.Branch,
		CredentialID:       d.CredentialID,
		BuildScript:        d.BuildScript,
		DeployScript:       d.DeployScript,
		Env:                d.Env,
		ScriptTimeout:      d.ScriptTimeout,
		StopOnFirstFailure: d.StopOnFirstFailure,
		RemoteProjectPath:  d.RemoteProjectPath,
		JenkinsJobs:        d.JenkinsJobs,
		VerifyProcess:      d.VerifyProcess,
		VerifyPort:         d.VerifyPort,
	}
}

// Store is a sqlite-backed record store. Safe for concurrent use;
// connections come from a fixed pool.
type Store struct {
	pool *sqlitex.Pool
	log  hclog.Logger
	now  func() time.Time
}

func Open(path string, log hclog.Logger) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &Store{pool: pool, log: log.Named("store"), now: time.Now}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// SaveDeployment upserts a deployment record.
func (s *Store) SaveDeployment(ctx context.Context, d *Deployment) error {
	env, err := encodeMap(d.Env)
	if err != nil {
		return err
	}
	hostIDs, err := encodeList(d.HostIDs)
	if err != nil {
		return err
	}
	jobs, err := encodeList(d.JenkinsJobs)
	if err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = deploy.StatusPending
	}
	now := s.now().Unix()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Unix(now, 0)
	}

	var scheduled any
	if d.ScheduledAt != nil {
		scheduled = d.ScheduledAt.Unix()
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO deployments (
				id, name, repository_url, branch, credential_id,
				build_script, deploy_script, env, host_ids,
				script_timeout_seconds, stop_on_first_failure,
				remote_project_path, verify_process, verify_port,
				jenkins_jobs, jenkins_queue_id, jenkins_queue_url,
				status, log, scheduled_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				repository_url = excluded.repository_url,
				branch = excluded.branch,
				credential_id = excluded.credential_id,
				build_script = excluded.build_script,
				deploy_script = excluded.deploy_script,
				env = excluded.env,
				host_ids = excluded.host_ids,
				script_timeout_seconds = excluded.script_timeout_seconds,
				stop_on_first_failure = excluded.stop_on_first_failure,
				remote_project_path = excluded.remote_project_path,
				verify_process = excluded.verify_process,
				verify_port = excluded.verify_port,
				jenkins_jobs = excluded.jenkins_jobs,
				status = excluded.status,
				scheduled_at = excluded.scheduled_at,
				updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{
				d.ID, d.Name, d.RepositoryURL, d.Branch, d.CredentialID,
				d.BuildScript, d.DeployScript, env, hostIDs,
				int64(d.ScriptTimeout / time.Second), boolInt(d.StopOnFirstFailure),
				d.RemoteProjectPath, d.VerifyProcess, int64(d.VerifyPort),
				jobs, d.JenkinsQueueID, d.JenkinsQueueURL,
				d.Status, d.Log, scheduled, d.CreatedAt.Unix(), now,
			}})
	})
}

// Deployment fetches one record by id.
func (s *Store) Deployment(ctx context.Context, id string) (*Deployment, error) {
	var out *Deployment
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT * FROM deployments WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					d, err := scanDeployment(stmt)
					if err != nil {
						return err
					}
					out = d
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("deployment %s not found", id)
	}
	return out, nil
}

// DueDeployments lists approved deployments whose scheduled time has
// elapsed.
func (s *Store) DueDeployments(ctx context.Context, now time.Time) ([]*Deployment, error) {
	var out []*Deployment
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT * FROM deployments
			WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
			ORDER BY scheduled_at`,
			&sqlitex.ExecOptions{
				Args: []any{deploy.StatusApproved, now.Unix()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					d, err := scanDeployment(stmt)
					if err != nil {
						return err
					}
					out = append(out, d)
					return nil
				},
			})
	})
	return out, err
}

// ClearSchedule atomically claims a scheduled deployment. It reports
// false when another poller already claimed it, which is what prevents
// double-triggering.
func (s *Store) ClearSchedule(ctx context.Context, id string) (bool, error) {
	claimed := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE deployments SET scheduled_at = NULL, updated_at = ?
			WHERE id = ? AND scheduled_at IS NOT NULL`,
			&sqlitex.ExecOptions{Args: []any{s.now().Unix(), id}})
		if err != nil {
			return err
		}
		claimed = conn.Changes() > 0
		return nil
	})
	return claimed, err
}

// SetStatus implements deploy.StatusSink.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{status, s.now().Unix(), id}})
	})
}

// AppendLog implements deploy.StatusSink. The log column is
// append-only; execution streams into it line by line.
func (s *Store) AppendLog(ctx context.Context, id, text string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE deployments SET log = log || ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{text, s.now().Unix(), id}})
	})
}

// SetJenkinsQueue implements jenkins.QueueStore.
func (s *Store) SetJenkinsQueue(ctx context.Context, id string, queueID int64, queueURL string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE deployments SET jenkins_queue_id = ?, jenkins_queue_url = ?, updated_at = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{queueID, queueURL, s.now().Unix(), id}})
	})
}

func scanDeployment(stmt *sqlite.Stmt) (*Deployment, error) {
	d := &Deployment{
		ID:                 stmt.GetText("id"),
		Name:               stmt.GetText("name"),
		RepositoryURL:      stmt.GetText("repository_url"),
		Branch:             stmt.GetText("branch"),
		CredentialID:       stmt.GetText("credential_id"),
		BuildScript:        stmt.GetText("build_script"),
		DeployScript:       stmt.GetText("deploy_script"),
		ScriptTimeout:      time.Duration(stmt.GetInt64("script_timeout_seconds")) * time.Second,
		StopOnFirstFailure: stmt.GetInt64("stop_on_first_failure") != 0,
		RemoteProjectPath:  stmt.GetText("remote_project_path"),
		VerifyProcess:      stmt.GetText("verify_process"),
		VerifyPort:         int(stmt.GetInt64("verify_port")),
		JenkinsQueueID:     stmt.GetInt64("jenkins_queue_id"),
		JenkinsQueueURL:    stmt.GetText("jenkins_queue_url"),
		Status:             stmt.GetText("status"),
		Log:                stmt.GetText("log"),
		CreatedAt:          time.Unix(stmt.GetInt64("created_at"), 0),
		UpdatedAt:          time.Unix(stmt.GetInt64("updated_at"), 0),
	}
	if !stmt.IsNull("scheduled_at") {
		t := time.Unix(stmt.GetInt64("scheduled_at"), 0)
		d.ScheduledAt = &t
	}
	var err error
	if d.Env, err = decodeMap(stmt.GetText("env")); err != nil {
		return nil, err
	}
	if d.HostIDs, err = decodeList(stmt.GetText("host_ids")); err != nil {
		return nil, err
	}
	if d.JenkinsJobs, err = decodeList(stmt.GetText("jenkins_jobs")); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveHost upserts a host record.
func (s *Store) SaveHost(ctx context.Context, h remote.Host) error {
	if _, err := remote.ParseAuthMode(string(h.AuthMode)); err != nil {
		return err
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO hosts (id, address, port, username, auth_mode, password, key_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				address = excluded.address,
				port = excluded.port,
				username = excluded.username,
				auth_mode = excluded.auth_mode,
				password = excluded.password,
				key_path = excluded.key_path`,
			&sqlitex.ExecOptions{Args: []any{
				h.ID, h.Address, h.Port, h.User, string(h.AuthMode), h.Password, h.KeyPath,
			}})
	})
}

// Host implements deploy.HostDirectory.
func (s *Store) Host(ctx context.Context, id string) (remote.Host, error) {
	var out *remote.Host
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT * FROM hosts WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					mode, err := remote.ParseAuthMode(stmt.GetText("auth_mode"))
					if err != nil {
						return err
					}
					out = &remote.Host{
						ID:       stmt.GetText("id"),
						Address:  stmt.GetText("address"),
						Port:     int(stmt.GetInt64("port")),
						User:     stmt.GetText("username"),
						AuthMode: mode,
						Password: stmt.GetText("password"),
						KeyPath:  stmt.GetText("key_path"),
					}
					return nil
				},
			})
	})
	if err != nil {
		return remote.Host{}, err
	}
	if out == nil {
		return remote.Host{}, fmt.Errorf("host %s not found", id)
	}
	return *out, nil
}

// SaveCredential upserts an encrypted credential record.
func (s *Store) SaveCredential(ctx context.Context, rec credential.Record) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO credentials (id, platform, is_default, blob)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				platform = excluded.platform,
				is_default = excluded.is_default,
				blob = excluded.blob`,
			&sqlitex.ExecOptions{Args: []any{
				rec.ID, string(rec.Platform), boolInt(rec.Default), rec.Blob,
			}})
	})
}

// Credential implements credential.RecordSource.
func (s *Store) Credential(ctx context.Context, id string) (*credential.Record, error) {
	var out *credential.Record
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT * FROM credentials WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args:       []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error { out = scanCredential(stmt); return nil },
			})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("credential %s not found", id)
	}
	return out, nil
}

// DefaultCredential implements credential.RecordSource. Returns
// (nil, nil) when the platform has no default.
func (s *Store) DefaultCredential(ctx context.Context, platform credential.Platform) (*credential.Record, error) {
	var out *credential.Record
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT * FROM credentials WHERE platform = ? AND is_default = 1 LIMIT 1`,
			&sqlitex.ExecOptions{
				Args:       []any{string(platform)},
				ResultFunc: func(stmt *sqlite.Stmt) error { out = scanCredential(stmt); return nil },
			})
	})
	return out, err
}

func scanCredential(stmt *sqlite.Stmt) *credential.Record {
	blob := make([]byte, stmt.GetLen("blob"))
	stmt.GetBytes("blob", blob)
	return &credential.Record{
		ID:       stmt.GetText("id"),
		Platform: credential.Platform(stmt.GetText("platform")),
		Default:  stmt.GetInt64("is_default") != 0,
		Blob:     blob,
	}
}

func encodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	raw, err := yaml.Marshal(v)
	return string(raw), err
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	err := yaml.Unmarshal([]byte(s), &out)
	return out, err
}

func encodeMap(v map[string]string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	raw, err := yaml.Marshal(v)
	return string(raw), err
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := map[string]string{}
	err := yaml.Unmarshal([]byte(s), &out)
	return out, err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
