package remote

import "fmt"

// AuthMode says how we reach a host. It is decided once when the host
// record is loaded, never re-inferred from which secret fields happen
// to be set.
type AuthMode string

const (
	AuthLocal    AuthMode = "local"
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
)

func ParseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(s) {
	case AuthLocal, AuthPassword, AuthKey:
		return AuthMode(s), nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// Host holds resolved connection facts for one deploy target.
// Password/KeyPath live only as long as the execution that resolved them.
type Host struct {
	ID       string
	Address  string
	Port     int
	User     string
	AuthMode AuthMode
	Password string
	KeyPath  string
}

func (h Host) Validate() error {
	if h.AuthMode == AuthLocal {
		return nil
	}
	if h.Address == "" {
		return fmt.Errorf("host %s: address is empty", h.ID)
	}
	if h.User == "" {
		return fmt.Errorf("host %s: ssh user is empty", h.ID)
	}
	switch h.AuthMode {
	case AuthPassword:
		if h.Password == "" {
			return fmt.Errorf("host %s: ssh password is empty", h.ID)
		}
	case AuthKey:
		if h.KeyPath == "" {
			return fmt.Errorf("host %s: ssh key path is empty", h.ID)
		}
	default:
		return fmt.Errorf("host %s: unknown auth mode %q", h.ID, h.AuthMode)
	}
	return nil
}
