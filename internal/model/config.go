// Package model defines the data structures for conductor's configuration,
// tasks, persisted state and error kinds.
package model

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	State     StateConfig     `yaml:"state"`
	Limits    LimitsConfig    `yaml:"limits"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Token     TokenConfig     `yaml:"token"`
	Session   SessionConfig   `yaml:"session"`
	Health    HealthConfig    `yaml:"health"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SocketPath string `yaml:"socket_path"` // default: <state dir>/conductor.sock
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type LimitsConfig struct {
	Capacity      int `yaml:"capacity"`
	TaskTimeoutMs int `yaml:"task_timeout_ms"`
}

type WatcherConfig struct {
	TimeoutScanIntervalSec int `yaml:"timeout_scan_interval_sec"`
}

type HeartbeatConfig struct {
	IntervalSec       int    `yaml:"interval_sec"`
	DownstreamBaseURL string `yaml:"downstream_base_url"` // empty disables heartbeats
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type WebhookConfig struct {
	Secret            string  `yaml:"secret"` // shared secret for heartbeats and session reports
	DrainIntervalMs   int     `yaml:"drain_interval_ms"`
	BackoffBaseMs     int     `yaml:"backoff_base_ms"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	BackoffCapMs      int     `yaml:"backoff_cap_ms"`
	MaxAttempts       int     `yaml:"max_attempts"` // 0 = retry forever
	RequestTimeoutSec int     `yaml:"request_timeout_sec"`
}

type TokenConfig struct {
	AppID            string  `yaml:"app_id"` // empty disables the token manager
	InstallationID   string  `yaml:"installation_id"`
	PrivateKeyPath   string  `yaml:"private_key_path"`
	APIBaseURL       string  `yaml:"api_base_url"`
	RefreshFraction  float64 `yaml:"refresh_fraction"`
	CheckIntervalSec int     `yaml:"check_interval_sec"`
	RetryBaseSec     int     `yaml:"retry_base_sec"`
	RetryCapSec      int     `yaml:"retry_cap_sec"`
	WatchKey         bool    `yaml:"watch_key"`
}

// Enabled reports whether upstream token acquisition is configured.
func (c TokenConfig) Enabled() bool {
	return c.AppID != ""
}

type SessionConfig struct {
	WorkspaceRoot     string   `yaml:"workspace_root"`
	Command           []string `yaml:"command"`
	WorkerTypes       []string `yaml:"worker_types"`
	GitBinary         string   `yaml:"git_binary"`
	GitHost           string   `yaml:"git_host"`
	StartTimeoutSec   int      `yaml:"start_timeout_sec"`
	TerminateGraceSec int      `yaml:"terminate_grace_sec"`
}

type HealthConfig struct {
	DegradedAfterFailures int `yaml:"degraded_after_failures"` // 0 disables degraded mode
}

type DaemonConfig struct {
	ShutdownTimeoutSec      int `yaml:"shutdown_timeout_sec"`
	GracePeriodSec          int `yaml:"grace_period_sec"`
	DeliveryFlushTimeoutSec int `yaml:"delivery_flush_timeout_sec"`
}

type JournalConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
	File   string `yaml:"file"`
}
