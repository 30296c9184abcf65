// Package config loads conductor's configuration from an optional YAML file
// and CONDUCTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/msageha/conductor/internal/model"
)

const (
	DefaultConfigName = "conductor"
	EnvPrefix         = "CONDUCTOR"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() model.Config {
	return model.Config{
		Server: model.ServerConfig{ListenAddr: ":8080"},
		State:  model.StateConfig{Path: filepath.Join(".conductor", "state.json")},
		Limits: model.LimitsConfig{
			Capacity:      3,
			TaskTimeoutMs: 60 * 60 * 1000,
		},
		Watcher: model.WatcherConfig{TimeoutScanIntervalSec: 30},
		Heartbeat: model.HeartbeatConfig{
			IntervalSec:       60,
			RequestTimeoutSec: 10,
		},
		Webhook: model.WebhookConfig{
			DrainIntervalMs:   1000,
			BackoffBaseMs:     1000,
			BackoffFactor:     2,
			BackoffCapMs:      60 * 1000,
			RequestTimeoutSec: 10,
		},
		Token: model.TokenConfig{
			APIBaseURL:       "https://api.github.com",
			RefreshFraction:  0.2,
			CheckIntervalSec: 30,
			RetryBaseSec:     5,
			RetryCapSec:      300,
			WatchKey:         true,
		},
		Session: model.SessionConfig{
			WorkspaceRoot:     filepath.Join(".conductor", "workspaces"),
			Command:           []string{"claude", "-p"},
			GitBinary:         "git",
			GitHost:           "github.com",
			StartTimeoutSec:   300,
			TerminateGraceSec: 10,
		},
		Health: model.HealthConfig{DegradedAfterFailures: 3},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec:      30,
			GracePeriodSec:          20,
			DeliveryFlushTimeoutSec: 5,
		},
		Journal: model.JournalConfig{
			Enabled:      true,
			MaxSizeBytes: 50 * 1024 * 1024,
		},
		Logging: model.LoggingConfig{Level: "info", Format: "json"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.socket_path", d.Server.SocketPath)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("limits.capacity", d.Limits.Capacity)
	v.SetDefault("limits.task_timeout_ms", d.Limits.TaskTimeoutMs)
	v.SetDefault("watcher.timeout_scan_interval_sec", d.Watcher.TimeoutScanIntervalSec)
	v.SetDefault("heartbeat.interval_sec", d.Heartbeat.IntervalSec)
	v.SetDefault("heartbeat.downstream_base_url", d.Heartbeat.DownstreamBaseURL)
	v.SetDefault("heartbeat.request_timeout_sec", d.Heartbeat.RequestTimeoutSec)
	v.SetDefault("webhook.secret", d.Webhook.Secret)
	v.SetDefault("webhook.drain_interval_ms", d.Webhook.DrainIntervalMs)
	v.SetDefault("webhook.backoff_base_ms", d.Webhook.BackoffBaseMs)
	v.SetDefault("webhook.backoff_factor", d.Webhook.BackoffFactor)
	v.SetDefault("webhook.backoff_cap_ms", d.Webhook.BackoffCapMs)
	v.SetDefault("webhook.max_attempts", d.Webhook.MaxAttempts)
	v.SetDefault("webhook.request_timeout_sec", d.Webhook.RequestTimeoutSec)
	v.SetDefault("token.app_id", d.Token.AppID)
	v.SetDefault("token.installation_id", d.Token.InstallationID)
	v.SetDefault("token.private_key_path", d.Token.PrivateKeyPath)
	v.SetDefault("token.api_base_url", d.Token.APIBaseURL)
	v.SetDefault("token.refresh_fraction", d.Token.RefreshFraction)
	v.SetDefault("token.check_interval_sec", d.Token.CheckIntervalSec)
	v.SetDefault("token.retry_base_sec", d.Token.RetryBaseSec)
	v.SetDefault("token.retry_cap_sec", d.Token.RetryCapSec)
	v.SetDefault("token.watch_key", d.Token.WatchKey)
	v.SetDefault("session.workspace_root", d.Session.WorkspaceRoot)
	v.SetDefault("session.command", d.Session.Command)
	v.SetDefault("session.worker_types", []string{})
	v.SetDefault("session.git_binary", d.Session.GitBinary)
	v.SetDefault("session.git_host", d.Session.GitHost)
	v.SetDefault("session.start_timeout_sec", d.Session.StartTimeoutSec)
	v.SetDefault("session.terminate_grace_sec", d.Session.TerminateGraceSec)
	v.SetDefault("health.degraded_after_failures", d.Health.DegradedAfterFailures)
	v.SetDefault("daemon.shutdown_timeout_sec", d.Daemon.ShutdownTimeoutSec)
	v.SetDefault("daemon.grace_period_sec", d.Daemon.GracePeriodSec)
	v.SetDefault("daemon.delivery_flush_timeout_sec", d.Daemon.DeliveryFlushTimeoutSec)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.max_size_bytes", d.Journal.MaxSizeBytes)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load reads path (or ./conductor.yaml when path is empty), applies
// environment overrides such as CONDUCTOR_LIMITS_CAPACITY, and validates the
// result. A missing default file is not an error; a missing explicit file is.
func Load(path string) (model.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return model.Config{}, fmt.Errorf("reading config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return model.Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := fromViper(v)
	ResolvePaths(&cfg)
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) model.Config {
	return model.Config{
		Server: model.ServerConfig{
			ListenAddr: v.GetString("server.listen_addr"),
			SocketPath: v.GetString("server.socket_path"),
		},
		State: model.StateConfig{Path: v.GetString("state.path")},
		Limits: model.LimitsConfig{
			Capacity:      v.GetInt("limits.capacity"),
			TaskTimeoutMs: v.GetInt("limits.task_timeout_ms"),
		},
		Watcher: model.WatcherConfig{
			TimeoutScanIntervalSec: v.GetInt("watcher.timeout_scan_interval_sec"),
		},
		Heartbeat: model.HeartbeatConfig{
			IntervalSec:       v.GetInt("heartbeat.interval_sec"),
			DownstreamBaseURL: v.GetString("heartbeat.downstream_base_url"),
			RequestTimeoutSec: v.GetInt("heartbeat.request_timeout_sec"),
		},
		Webhook: model.WebhookConfig{
			Secret:            v.GetString("webhook.secret"),
			DrainIntervalMs:   v.GetInt("webhook.drain_interval_ms"),
			BackoffBaseMs:     v.GetInt("webhook.backoff_base_ms"),
			BackoffFactor:     v.GetFloat64("webhook.backoff_factor"),
			BackoffCapMs:      v.GetInt("webhook.backoff_cap_ms"),
			MaxAttempts:       v.GetInt("webhook.max_attempts"),
			RequestTimeoutSec: v.GetInt("webhook.request_timeout_sec"),
		},
		Token: model.TokenConfig{
			AppID:            v.GetString("token.app_id"),
			InstallationID:   v.GetString("token.installation_id"),
			PrivateKeyPath:   v.GetString("token.private_key_path"),
			APIBaseURL:       v.GetString("token.api_base_url"),
			RefreshFraction:  v.GetFloat64("token.refresh_fraction"),
			CheckIntervalSec: v.GetInt("token.check_interval_sec"),
			RetryBaseSec:     v.GetInt("token.retry_base_sec"),
			RetryCapSec:      v.GetInt("token.retry_cap_sec"),
			WatchKey:         v.GetBool("token.watch_key"),
		},
		Session: model.SessionConfig{
			WorkspaceRoot:     v.GetString("session.workspace_root"),
			Command:           v.GetStringSlice("session.command"),
			WorkerTypes:       v.GetStringSlice("session.worker_types"),
			GitBinary:         v.GetString("session.git_binary"),
			GitHost:           v.GetString("session.git_host"),
			StartTimeoutSec:   v.GetInt("session.start_timeout_sec"),
			TerminateGraceSec: v.GetInt("session.terminate_grace_sec"),
		},
		Health: model.HealthConfig{
			DegradedAfterFailures: v.GetInt("health.degraded_after_failures"),
		},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec:      v.GetInt("daemon.shutdown_timeout_sec"),
			GracePeriodSec:          v.GetInt("daemon.grace_period_sec"),
			DeliveryFlushTimeoutSec: v.GetInt("daemon.delivery_flush_timeout_sec"),
		},
		Journal: model.JournalConfig{
			Enabled:      v.GetBool("journal.enabled"),
			MaxSizeBytes: v.GetInt64("journal.max_size_bytes"),
		},
		Logging: model.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
			File:   v.GetString("logging.file"),
		},
	}
}

// ResolvePaths fills derived paths: the control socket defaults to a file
// next to the state snapshot.
func ResolvePaths(cfg *model.Config) {
	if cfg.Server.SocketPath == "" && cfg.State.Path != "" {
		cfg.Server.SocketPath = filepath.Join(filepath.Dir(cfg.State.Path), "conductor.sock")
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func Validate(cfg model.Config) error {
	var errs []error
	if cfg.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if cfg.Limits.Capacity < 1 {
		errs = append(errs, fmt.Errorf("limits.capacity must be >= 1, got %d", cfg.Limits.Capacity))
	}
	if cfg.Limits.TaskTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("limits.task_timeout_ms must be > 0, got %d", cfg.Limits.TaskTimeoutMs))
	}
	if cfg.Watcher.TimeoutScanIntervalSec <= 0 {
		errs = append(errs, errors.New("watcher.timeout_scan_interval_sec must be > 0"))
	}
	if cfg.Heartbeat.IntervalSec <= 0 {
		errs = append(errs, errors.New("heartbeat.interval_sec must be > 0"))
	}
	if cfg.Heartbeat.DownstreamBaseURL != "" && cfg.Webhook.Secret == "" {
		errs = append(errs, errors.New("webhook.secret is required when heartbeat.downstream_base_url is set"))
	}
	if cfg.Webhook.DrainIntervalMs <= 0 {
		errs = append(errs, errors.New("webhook.drain_interval_ms must be > 0"))
	}
	if cfg.Webhook.BackoffBaseMs <= 0 {
		errs = append(errs, errors.New("webhook.backoff_base_ms must be > 0"))
	}
	if cfg.Webhook.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("webhook.backoff_factor must be >= 1, got %v", cfg.Webhook.BackoffFactor))
	}
	if cfg.Webhook.BackoffCapMs < cfg.Webhook.BackoffBaseMs {
		errs = append(errs, errors.New("webhook.backoff_cap_ms must be >= webhook.backoff_base_ms"))
	}
	if cfg.Webhook.MaxAttempts < 0 {
		errs = append(errs, errors.New("webhook.max_attempts must be >= 0"))
	}
	if cfg.Token.Enabled() {
		if cfg.Token.InstallationID == "" {
			errs = append(errs, errors.New("token.installation_id is required when token.app_id is set"))
		}
		if cfg.Token.PrivateKeyPath == "" {
			errs = append(errs, errors.New("token.private_key_path is required when token.app_id is set"))
		}
	}
	if cfg.Token.RefreshFraction <= 0 || cfg.Token.RefreshFraction >= 1 {
		errs = append(errs, fmt.Errorf("token.refresh_fraction must be in (0, 1), got %v", cfg.Token.RefreshFraction))
	}
	if cfg.Token.CheckIntervalSec <= 0 {
		errs = append(errs, errors.New("token.check_interval_sec must be > 0"))
	}
	if len(cfg.Session.Command) == 0 {
		errs = append(errs, errors.New("session.command must not be empty"))
	}
	if cfg.Health.DegradedAfterFailures < 0 {
		errs = append(errs, errors.New("health.degraded_after_failures must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func Redacted(cfg model.Config) model.Config {
	if cfg.Webhook.Secret != "" {
		cfg.Webhook.Secret = "***"
	}
	return cfg
}
