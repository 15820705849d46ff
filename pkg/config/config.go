// Package config decodes the burst-buffer plugin's site configuration
// and supports polling reload while the process is running. Parsing
// the *host scheduler's* configuration file is explicitly out of
// scope (spec.md §1); this is the plugin's own settings only -
// CLI path, timeouts, quota limits, allow/deny lists and the like.
package config

import (
	"crypto/sha256"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GenericResourceLimit is one entry of the site's generic-resource table.
type GenericResourceLimit struct {
	Name      string `yaml:"name"`
	Available int64  `yaml:"available"`
}

// Config is the full set of site-tunable knobs (spec.md §4.3, §4.5,
// §4.7, §6, §9).
type Config struct {
	// External command runner
	CLIPath           string        `yaml:"cli_path"`
	StageInTimeout    time.Duration `yaml:"stage_in_timeout"`
	StageOutTimeout   time.Duration `yaml:"stage_out_timeout"`
	PostRunTimeout    time.Duration `yaml:"post_run_timeout"`
	SetupTimeout      time.Duration `yaml:"setup_timeout"`
	TeardownTimeout   time.Duration `yaml:"teardown_timeout"`
	PreRunTimeout     time.Duration `yaml:"pre_run_timeout"`
	JobProcessTimeout time.Duration `yaml:"job_process_timeout"`

	// Capacity & quota
	Granularity             int64                  `yaml:"granularity"`
	TotalSpaceBytes         int64                  `yaml:"total_space_bytes"`
	UserSizeLimitBytes      int64                  `yaml:"user_size_limit_bytes"`
	AccountSizeLimitBytes   map[string]int64       `yaml:"account_size_limit_bytes"`
	PartitionSizeLimitBytes map[string]int64       `yaml:"partition_size_limit_bytes"`
	QOSSizeLimitBytes       map[string]int64       `yaml:"qos_size_limit_bytes"`
	GenericResources        []GenericResourceLimit `yaml:"generic_resources"`
	PreemptionPolicy        string                 `yaml:"preemption_policy"` // "fifo" | "largest_first"

	// Directive parser policy
	PrivilegedUsers      []uint32 `yaml:"privileged_users"`
	AllowUserPersistence bool     `yaml:"allow_user_persistence"`
	AllowUsers           []uint32 `yaml:"allow_users"` // empty means "all allowed"
	DenyUsers            []uint32 `yaml:"deny_users"`

	// Background agent
	AgentPollInterval time.Duration `yaml:"agent_poll_interval"`
	ConfigPollInterval time.Duration `yaml:"config_poll_interval"`

	// State store / snapshot
	StateSaveDir string `yaml:"state_save_dir"`
	PluginName   string `yaml:"plugin_name"`
	EmulationMode bool  `yaml:"emulation_mode"`

	// On-disk artifact layout
	NIDsAsHostnames bool `yaml:"nids_as_hostnames"`

	BurstBufferName string `yaml:"burst_buffer_name"` // matched against reservation.BurstBufferName
}

// Default returns a Config with the timeouts spec.md §5 names as
// defaults, and otherwise permissive/empty values.
func Default() Config {
	return Config{
		CLIPath:            "/opt/cray/dw_wlm/default/bin/dw_wlm_cli",
		StageInTimeout:     24 * time.Hour,
		StageOutTimeout:    24 * time.Hour,
		PostRunTimeout:     5 * time.Second,
		SetupTimeout:       5 * time.Second,
		TeardownTimeout:    5 * time.Second,
		PreRunTimeout:      5 * time.Second,
		JobProcessTimeout:  30 * time.Second,
		Granularity:        1,
		PreemptionPolicy:   "fifo",
		AgentPollInterval:  30 * time.Second,
		ConfigPollInterval: time.Minute,
		StateSaveDir:       "/var/spool/slurm/burst_buffer",
		PluginName:         "cray",
		BurstBufferName:    "cray",
	}
}

// Load reads and decodes a YAML config file, filling in defaults for
// anything the file leaves unset by starting from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsPrivileged reports whether uid is on the privileged-users list.
func (c Config) IsPrivileged(uid uint32) bool {
	for _, u := range c.PrivilegedUsers {
		if u == uid {
			return true
		}
	}
	return false
}

// IsAllowed reports whether uid may submit burst-buffer requests at
// all, honoring an allow list (if non-empty) and a deny list.
func (c Config) IsAllowed(uid uint32) bool {
	for _, u := range c.DenyUsers {
		if u == uid {
			return false
		}
	}
	if len(c.AllowUsers) == 0 {
		return true
	}
	for _, u := range c.AllowUsers {
		if u == uid {
			return true
		}
	}
	return false
}

// checksum hashes the raw config file bytes for change detection by Watcher.
func checksum(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
