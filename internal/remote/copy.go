package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CopyDir pushes the contents of src to dst on the host with rsync.
// Local hosts get a plain local rsync. SSH hosts ride an ssh transport
// with host-key checking and known-hosts persistence disabled, matching
// the Run transport policy. Password auth needs sshpass on PATH; the
// password travels in the SSHPASS environment variable, never on argv.
func (e *Executor) CopyDir(ctx context.Context, host Host, src, dst string) error {
	if err := host.Validate(); err != nil {
		return err
	}

	name, args, env, err := e.copyCommand(host, src, dst)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rsync to %s: %w: %s", host.ID, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *Executor) copyCommand(host Host, src, dst string) (name string, args []string, env []string, err error) {
	src = strings.TrimSuffix(src, "/") + "/"

	switch host.AuthMode {
	case AuthLocal:
		return "rsync", []string{"-az", "--delete", src, dst}, nil, nil

	case AuthKey, AuthPassword:
		port := host.Port
		if port <= 0 {
			port = e.cfg.DefaultPort
		}
		transport := fmt.Sprintf(
			"ssh -p %d -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o ConnectTimeout=%d",
			port, int(e.cfg.ConnectTimeout.Seconds()))
		if host.AuthMode == AuthKey {
			transport += " -i " + host.KeyPath
		}
		target := fmt.Sprintf("%s@%s:%s", host.User, host.Address, dst)
		args = []string{"-az", "--delete", "-e", transport, src, target}

		if host.AuthMode == AuthPassword {
			return "sshpass", append([]string{"-e", "rsync"}, args...), []string{"SSHPASS=" + host.Password}, nil
		}
		return "rsync", args, nil, nil
	}
	return "", nil, nil, fmt.Errorf("host %s: cannot copy with auth mode %q", host.ID, host.AuthMode)
}
