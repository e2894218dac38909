package remote

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// ConnectTimeout bounds the TCP dial + SSH handshake. It is
	// deliberately separate from the per-script timeout the caller
	// puts on the context.
	ConnectTimeout time.Duration
	DefaultPort    int
}

func LoadConfig() Config {
	connect := 10 * time.Second
	if v := os.Getenv("SSH_CONNECT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			connect = time.Duration(n) * time.Second
		}
	}

	port := 22
	if v := os.Getenv("SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}

	return Config{
		ConnectTimeout: connect,
		DefaultPort:    port,
	}
}
