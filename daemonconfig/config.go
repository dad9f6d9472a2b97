// Package daemonconfig loads and validates the JSON configuration files of
// the controller and the agent. Unknown keys are rejected so a typoed
// setting fails loudly at startup instead of silently using a default.
package daemonconfig

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/minefleet/minefleet/api/types"
	"github.com/pkg/errors"
)

// Duration is a time.Duration that rides as a string ("90s", "1h") in
// JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentEndpoint names one agent and how to reach it.
type AgentEndpoint struct {
	Host     string `json:"host"`
	Endpoint string `json:"endpoint"`
}

// SchedulerSettings are the periodic task intervals.
type SchedulerSettings struct {
	DiscoveryInterval Duration `json:"discovery_interval"`
	DriftScanInterval Duration `json:"drift_scan_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
}

// DeploymentSettings tune the orchestrator.
type DeploymentSettings struct {
	RPCTimeout          Duration `json:"rpc_timeout"`
	RestartTimeout      Duration `json:"restart_timeout"`
	MaxParallelWrites   int      `json:"max_parallel_writes"`
	BackupRetentionDays int      `json:"backup_retention_days"`
}

// CodecSettings tune the config file codec.
type CodecSettings struct {
	AcceptBOM          bool `json:"accept_bom"`
	PreserveIPAsString bool `json:"preserve_ip_as_string"`
}

// RegistrySettings tune instance classification and aging.
type RegistrySettings struct {
	UnseenWindow     Duration                  `json:"unseen_window"`
	PlatformPrefixes map[string]types.Platform `json:"platform_prefixes"`
}

// Settings is the controller daemon configuration.
type Settings struct {
	ListenAddr   string             `json:"listen_addr"`
	MetricsAddr  string             `json:"metrics_addr"`
	RuleStoreDSN string             `json:"rule_store_dsn"`
	Agents       []AgentEndpoint    `json:"agents"`
	Scheduler    SchedulerSettings  `json:"scheduler"`
	Deployment   DeploymentSettings `json:"deployment"`
	Codec        CodecSettings      `json:"codec"`
	Registry     RegistrySettings   `json:"registry"`
	Debug        bool               `json:"debug,omitempty"`
}

// DefaultSettings returns the controller defaults.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:  ":7601",
		MetricsAddr: ":7611",
		Scheduler: SchedulerSettings{
			DiscoveryInterval: Duration(60 * time.Second),
			DriftScanInterval: Duration(3600 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Deployment: DeploymentSettings{
			RPCTimeout:          Duration(30 * time.Second),
			RestartTimeout:      Duration(2 * time.Minute),
			MaxParallelWrites:   4,
			BackupRetentionDays: 14,
		},
		Codec: CodecSettings{
			AcceptBOM:          true,
			PreserveIPAsString: true,
		},
		Registry: RegistrySettings{
			UnseenWindow: Duration(7 * 24 * time.Hour),
		},
	}
}

// LoadSettings reads the controller configuration from path, applied over
// the defaults.
func LoadSettings(path string) (Settings, error) {
	cfg := DefaultSettings()
	if err := loadStrict(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the controller settings for coherence.
func (s Settings) Validate() error {
	if s.RuleStoreDSN == "" {
		return errors.New("rule_store_dsn is required")
	}
	if len(s.Agents) == 0 {
		return errors.New("at least one agent endpoint is required")
	}
	seen := map[string]bool{}
	for _, a := range s.Agents {
		if a.Host == "" || a.Endpoint == "" {
			return errors.New("every agent needs host and endpoint")
		}
		if seen[a.Host] {
			return errors.Errorf("duplicate agent host %q", a.Host)
		}
		seen[a.Host] = true
	}
	if s.Deployment.MaxParallelWrites <= 0 {
		return errors.New("deployment.max_parallel_writes must be positive")
	}
	for _, iv := range []Duration{
		s.Scheduler.DiscoveryInterval,
		s.Scheduler.DriftScanInterval,
		s.Scheduler.HeartbeatInterval,
	} {
		if iv.Std() <= 0 {
			return errors.New("scheduler intervals must be positive")
		}
	}
	return nil
}

// AgentConfig is the agent daemon configuration.
type AgentConfig struct {
	Host         string   `json:"host"`
	ListenAddr   string   `json:"listen_addr"`
	InstanceRoot string   `json:"instance_root"`
	StateDir     string   `json:"state_dir"`
	// ActiveMarker is the file whose presence in an instance directory
	// marks the instance active.
	ActiveMarker string `json:"active_marker"`
	// RestartCommand is the process-controller invocation; the token
	// {instance} is replaced with the instance id.
	RestartCommand []string `json:"restart_command"`
	RestartTimeout Duration `json:"restart_timeout"`
	// BackupRetention bounds how long rollback manifests are kept.
	BackupRetention Duration `json:"backup_retention"`
	Debug           bool     `json:"debug,omitempty"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ListenAddr:      ":7600",
		ActiveMarker:    ".active",
		RestartTimeout:  Duration(2 * time.Minute),
		BackupRetention: Duration(14 * 24 * time.Hour),
	}
}

// LoadAgentConfig reads the agent configuration from path, applied over
// the defaults.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadStrict(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the agent config for coherence.
func (c AgentConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.InstanceRoot == "" {
		return errors.New("instance_root is required")
	}
	if c.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if len(c.RestartCommand) == 0 {
		return errors.New("restart_command is required")
	}
	if c.RestartTimeout.Std() <= 0 {
		return errors.New("restart_timeout must be positive")
	}
	return nil
}

func loadStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	if dec.More() {
		return errors.Errorf("parsing %s: unexpected content after JSON document", path)
	}
	return nil
}
