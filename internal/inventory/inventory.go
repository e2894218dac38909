// Package inventory is a yaml-file host directory, an alternative to
// the sqlite-backed one for installations that keep their fleet in a
// checked-in file.
package inventory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tastythames/deployd/internal/remote"
)

type Inventory struct {
	Hosts []Host `yaml:"hosts"`
}

type Host struct {
	ID      string    `yaml:"id"`
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	SSH     SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User string     `yaml:"user"`
	Auth AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Mode string `yaml:"mode"` // local | password | key
	// Password comes from the environment or a file, never from the
	// inventory itself.
	PasswordEnv  string `yaml:"password_env"`
	PasswordFile string `yaml:"password_file"`
	KeyPath      string `yaml:"key_path"`
}

func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	// normalize defaults + validate up front, so auth mode is decided
	// exactly once
	seen := make(map[string]bool, len(inv.Hosts))
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		if h.ID == "" {
			return nil, fmt.Errorf("inventory host #%d has no id", i)
		}
		if seen[h.ID] {
			return nil, fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true

		if h.SSH.Auth.Mode == "" {
			if h.Address == "" {
				h.SSH.Auth.Mode = string(remote.AuthLocal)
			} else {
				h.SSH.Auth.Mode = string(remote.AuthKey)
			}
		}
		mode, err := remote.ParseAuthMode(h.SSH.Auth.Mode)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", h.ID, err)
		}
		if mode != remote.AuthLocal {
			if h.Address == "" {
				return nil, fmt.Errorf("host %q: address required for auth mode %q", h.ID, mode)
			}
			if h.Port == 0 {
				h.Port = 22
			}
			if h.SSH.User == "" {
				h.SSH.User = "root"
			}
		}
		if mode == remote.AuthKey && h.SSH.Auth.KeyPath == "" {
			return nil, fmt.Errorf("host %q: key_path required for key auth", h.ID)
		}
		if mode == remote.AuthPassword && h.SSH.Auth.PasswordEnv == "" && h.SSH.Auth.PasswordFile == "" {
			return nil, fmt.Errorf("host %q: password_env or password_file required for password auth", h.ID)
		}
	}
	return &inv, nil
}

// Host implements deploy.HostDirectory. Passwords are materialized at
// lookup time and live only in the returned value.
func (inv *Inventory) Host(_ context.Context, id string) (remote.Host, error) {
	for _, h := range inv.Hosts {
		if h.ID != id {
			continue
		}
		out := remote.Host{
			ID:       h.ID,
			Address:  h.Address,
			Port:     h.Port,
			User:     h.SSH.User,
			AuthMode: remote.AuthMode(h.SSH.Auth.Mode),
			KeyPath:  h.SSH.Auth.KeyPath,
		}
		if out.AuthMode == remote.AuthPassword {
			password, err := h.SSH.Auth.password()
			if err != nil {
				return remote.Host{}, fmt.Errorf("host %q: %w", id, err)
			}
			out.Password = password
		}
		return out, nil
	}
	return remote.Host{}, fmt.Errorf("host %q not in inventory", id)
}

func (a AuthConfig) password() (string, error) {
	if a.PasswordEnv != "" {
		v := os.Getenv(a.PasswordEnv)
		if v == "" {
			return "", fmt.Errorf("empty env var %s", a.PasswordEnv)
		}
		return v, nil
	}
	raw, err := os.ReadFile(a.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
