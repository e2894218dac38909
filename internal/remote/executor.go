package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/ssh"
)

// Result is what a script run produced. A populated Result with a
// non-zero ExitCode is a completed-but-failed run, not a transport error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) OK() bool { return r.ExitCode == 0 }

// Executor runs shell scripts on a target host: directly for local
// hosts, over SSH for password/key hosts. It never retries; retry
// policy belongs to the orchestrator.
type Executor struct {
	cfg Config
	log hclog.Logger
}

func NewExecutor(cfg Config, log hclog.Logger) *Executor {
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Executor{cfg: cfg, log: log.Named("remote")}
}

// Run executes script on host with dir as the working directory.
// The script is fed to bash over stdin rather than interpolated into a
// command line, so quotes and expansions inside it survive untouched.
// The context deadline is the script timeout; on expiry the child is
// killed and ctx.Err() is returned.
func (e *Executor) Run(ctx context.Context, host Host, dir, script string, env map[string]string) (Result, error) {
	if err := host.Validate(); err != nil {
		return Result{}, err
	}
	switch host.AuthMode {
	case AuthLocal:
		return e.runLocal(ctx, dir, script, env)
	case AuthPassword, AuthKey:
		return e.runSSH(ctx, host, dir, script, env)
	}
	return Result{}, fmt.Errorf("host %s: unsupported auth mode %q", host.ID, host.AuthMode)
}

func (e *Executor) runLocal(ctx context.Context, dir, script string, env map[string]string) (Result, error) {
	cmd := exec.CommandContext(ctx, "bash", "-s")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(script)
	cmd.Env = os.Environ()
	for _, kv := range sortedEnv(env) {
		cmd.Env = append(cmd.Env, kv)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn bash: %w", err)
	}
	return res, nil
}

func (e *Executor) runSSH(ctx context.Context, host Host, dir, script string, env map[string]string) (Result, error) {
	auth, err := e.authMethods(host)
	if err != nil {
		return Result{}, err
	}

	port := host.Port
	if port <= 0 {
		port = e.cfg.DefaultPort
	}
	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", port))

	sshCfg := &ssh.ClientConfig{
		User: host.User,
		// Targets are operator-managed infrastructure, not arbitrary
		// internet endpoints.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.cfg.ConnectTimeout,
		Auth:            auth,
	}

	// Dial with context so it won't hang forever.
	dialer := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// The handshake can still hang without a deadline on the raw conn.
	handshakeDeadline := time.Now().Add(e.cfg.ConnectTimeout)
	_ = conn.SetDeadline(handshakeDeadline)

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return Result{}, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	// Past the handshake the script timeout (ctx) takes over.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	client := ssh.NewClient(cconn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh session %s: %w", addr, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	sess.Stdin = strings.NewReader(remoteScript(dir, script, env))

	done := make(chan error, 1)
	if err := sess.Start("bash -s"); err != nil {
		return Result{}, fmt.Errorf("start remote bash: %w", err)
	}
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		// Best-effort terminate the remote process.
		_ = sess.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, fmt.Errorf("remote script on %s: %w", addr, err)
		}
		return res, nil
	}
}

func (e *Executor) authMethods(host Host) ([]ssh.AuthMethod, error) {
	switch host.AuthMode {
	case AuthPassword:
		password := host.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	case AuthKey:
		raw, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", host.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", host.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("auth mode %q has no ssh auth method", host.AuthMode)
}

// remoteScript prefixes the operator's script with the env exports and
// the working-directory switch it expects to run under.
func remoteScript(dir, script string, env map[string]string) string {
	var b strings.Builder
	for _, kv := range sortedEnv(env) {
		i := strings.IndexByte(kv, '=')
		b.WriteString("export ")
		b.WriteString(kv[:i])
		b.WriteString("=")
		b.WriteString(shellQuote(kv[i+1:]))
		b.WriteString("\n")
	}
	if dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(dir))
		b.WriteString(" || exit 1\n")
	}
	b.WriteString(script)
	return b.String()
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
