// Package config loads the daemon configuration from an optional yaml
// file with environment overrides, so containerized installs can run
// file-less.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string `yaml:"listen"`

	// DataDir holds per-deployment working directories; CacheDir holds
	// the persistent code cache.
	DataDir  string `yaml:"data_dir"`
	CacheDir string `yaml:"cache_dir"`

	SqlitePath string `yaml:"sqlite_path"`
	HostsFile  string `yaml:"hosts_file"` // optional yaml inventory instead of the store

	AgeIdentityFile string `yaml:"age_identity_file"`

	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	Workers              int `yaml:"workers"`
	ScriptTimeoutSeconds int `yaml:"script_timeout_seconds"`

	RemoteStageRoot string `yaml:"remote_stage_root"`

	Jenkins JenkinsConfig `yaml:"jenkins"`
}

type JenkinsConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	APIToken string `yaml:"api_token"` // overridable via JENKINS_API_TOKEN
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) ScriptTimeout() time.Duration {
	return time.Duration(c.ScriptTimeoutSeconds) * time.Second
}

// Load reads path (if non-empty), applies env overrides, then fills
// defaults. A missing file is an error; an empty path is not.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("yaml unmarshal: %w", err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Listen, "DEPLOYD_LISTEN")
	overrideString(&c.DataDir, "DEPLOYD_DATA_DIR")
	overrideString(&c.CacheDir, "DEPLOYD_CACHE_DIR")
	overrideString(&c.SqlitePath, "DEPLOYD_SQLITE_PATH")
	overrideString(&c.HostsFile, "DEPLOYD_HOSTS_FILE")
	overrideString(&c.AgeIdentityFile, "DEPLOYD_AGE_IDENTITY_FILE")
	overrideString(&c.RemoteStageRoot, "DEPLOYD_REMOTE_STAGE_ROOT")
	overrideInt(&c.PollIntervalSeconds, "DEPLOYD_POLL_INTERVAL_SECONDS")
	overrideInt(&c.Workers, "DEPLOYD_WORKERS")
	overrideInt(&c.ScriptTimeoutSeconds, "DEPLOYD_SCRIPT_TIMEOUT_SECONDS")

	overrideString(&c.Jenkins.URL, "JENKINS_URL")
	overrideString(&c.Jenkins.Username, "JENKINS_USERNAME")
	overrideString(&c.Jenkins.APIToken, "JENKINS_API_TOKEN")
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9480"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/deployd/work"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/deployd/cache"
	}
	if c.SqlitePath == "" {
		c.SqlitePath = "/var/lib/deployd/deployd.db"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 60
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ScriptTimeoutSeconds <= 0 {
		c.ScriptTimeoutSeconds = 300
	}
	if c.RemoteStageRoot == "" {
		c.RemoteStageRoot = "/tmp/deployd"
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
