// Package config consolidates every runtime knob named in spec §6
// ("Configuration keys") plus the HTTP bind address/port the façade
// needs to serve; cmd/taskflow maps these values into the per-package
// Config/Options structs that bus, monitor, retry, scanner, poller, and
// store/file define. Grounded on the teacher's
// internal/profile.Profile: a single exported struct populated by
// FromEnv (direct os.Getenv reads mirroring the unified LLM config
// section's getEnvOrDefault idiom) and checked by Validate, with flags
// bound through viper in cmd/taskflow rather than here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MessageQueueType selects the bus implementation (§4.3).
type MessageQueueType string

const (
	MessageQueueMemory MessageQueueType = "memory"
	MessageQueueNATS   MessageQueueType = "nats"
)

// Config is the fully resolved runtime configuration for one
// cmd/taskflow process.
type Config struct {
	// Mode mirrors the teacher's Profile.Mode ("dev", "demo", "prod");
	// nothing in this engine branches on it; cmd/taskflow logs it at
	// startup, and it is carried for parity with the ambient stack.
	Mode string

	// HTTP bind address/port for the façade (§6). Empty Addr binds all
	// interfaces, matching the teacher's server.
	Addr string
	Port int

	// MessageQueueType selects bus.NewMemoryBus vs. broker.New.
	MessageQueueType MessageQueueType
	// BrokerURL and BrokerStream are only read when MessageQueueType
	// is MessageQueueNATS.
	BrokerURL    string
	BrokerStream string

	// TaskScanInterval and TaskPollInterval feed scanner.Config and
	// poller.Config respectively.
	TaskScanInterval time.Duration
	TaskPollInterval time.Duration

	// EventLogDirectory, MaxMemoryLogEntries, and FileRotationSize feed
	// monitor.Config; EventLogDirectory is joined with a fixed file
	// name to produce the logPath monitor.New expects, empty disables
	// the file writer entirely.
	EventLogDirectory   string
	MaxMemoryLogEntries int
	FileRotationSize    int64

	// AlertThresholdSeconds feeds monitor.StallDetectorConfig.
	AlertThresholdSeconds int

	// MaxRetries, RetryInitialDelay, RetryMaxDelay, and
	// RetryBackoffFactor feed retry.Options.
	MaxRetries         int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryBackoffFactor float64

	// RepositoryDir is the directory store/file.NewOS persists
	// snapshots under (§6, "Persisted state layout"); the reference
	// layout is file-backed, not a database connection string, so this
	// is a path rather than a DSN.
	RepositoryDir string

	// AgentPools lists the agent_id values cmd/taskflow starts one
	// poller per. "product_manager_pool" is the only pool name §4.5's
	// scanner names explicitly (promoting new tasks); additional pools
	// are an operator decision, not a spec concern.
	AgentPools []string

	// WebhookURL, when set, selects plugin/webhook.Notifier as the
	// SendNotification delivery channel in place of the default
	// logging notifier.
	WebhookURL string
}

// getEnvOrDefault mirrors internal/profile.Profile's unexported helper
// of the same behavior: env var wins over the supplied default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvOrDefaultSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// FromEnv loads every key in the list above from its TASKFLOW_-
// prefixed environment variable, applying the spec defaults where
// unset. Addr and Port are left for the caller to populate from viper-
// bound CLI flags, matching how cmd/divinesense/main.go treats Profile
// (flag-bound fields assigned by the caller, everything else loaded by
// FromEnv).
func (c *Config) FromEnv() {
	c.Mode = getEnvOrDefault("TASKFLOW_MODE", "dev")

	c.MessageQueueType = MessageQueueType(getEnvOrDefault("TASKFLOW_MESSAGE_QUEUE_TYPE", string(MessageQueueMemory)))
	c.BrokerURL = getEnvOrDefault("TASKFLOW_BROKER_URL", "")
	c.BrokerStream = getEnvOrDefault("TASKFLOW_BROKER_STREAM", "TASKFLOW")

	c.TaskScanInterval = getEnvOrDefaultSeconds("TASKFLOW_TASK_SCAN_INTERVAL", 300*time.Second)
	c.TaskPollInterval = getEnvOrDefaultSeconds("TASKFLOW_TASK_POLL_INTERVAL", 60*time.Second)

	c.EventLogDirectory = getEnvOrDefault("TASKFLOW_EVENT_LOG_DIRECTORY", "")
	c.MaxMemoryLogEntries = getEnvOrDefaultInt("TASKFLOW_MAX_MEMORY_LOG_ENTRIES", 1000)
	c.FileRotationSize = getEnvOrDefaultInt64("TASKFLOW_FILE_ROTATION_SIZE", 10*1024*1024)

	c.AlertThresholdSeconds = getEnvOrDefaultInt("TASKFLOW_ALERT_THRESHOLD_SECONDS", 60)

	c.MaxRetries = getEnvOrDefaultInt("TASKFLOW_MAX_RETRIES", 3)
	c.RetryInitialDelay = getEnvOrDefaultSeconds("TASKFLOW_RETRY_INITIAL_DELAY", time.Second)
	c.RetryMaxDelay = getEnvOrDefaultSeconds("TASKFLOW_RETRY_MAX_DELAY", 60*time.Second)
	c.RetryBackoffFactor = getEnvOrDefaultFloat("TASKFLOW_RETRY_BACKOFF_FACTOR", 2.0)

	c.RepositoryDir = getEnvOrDefault("TASKFLOW_REPOSITORY_DIR", "./data/tasks")

	pools := getEnvOrDefault("TASKFLOW_AGENT_POOLS", "product_manager_pool")
	var out []string
	for _, p := range strings.Split(pools, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	c.AgentPools = out

	c.WebhookURL = getEnvOrDefault("TASKFLOW_WEBHOOK_URL", "")
}

// Validate rejects configurations the rest of the system cannot make
// sense of. Mirrors the shape of Profile.Validate: coerce what can be
// coerced (an unrecognized Mode falls back to "dev", matching the
// teacher's fallback-to-"demo" behavior for Mode), reject what cannot.
func (c *Config) Validate() error {
	if c.Mode != "dev" && c.Mode != "demo" && c.Mode != "prod" {
		c.Mode = "dev"
	}

	if c.MessageQueueType != MessageQueueMemory && c.MessageQueueType != MessageQueueNATS {
		return fmt.Errorf("config: message_queue_type must be %q or %q, got %q", MessageQueueMemory, MessageQueueNATS, c.MessageQueueType)
	}
	if c.MessageQueueType == MessageQueueNATS && c.BrokerURL == "" {
		return fmt.Errorf("config: broker_url is required when message_queue_type is %q", MessageQueueNATS)
	}

	if c.TaskScanInterval <= 0 {
		return fmt.Errorf("config: task_scan_interval must be positive")
	}
	if c.TaskPollInterval <= 0 {
		return fmt.Errorf("config: task_poll_interval must be positive")
	}
	if c.MaxMemoryLogEntries <= 0 {
		return fmt.Errorf("config: max_memory_log_entries must be positive")
	}
	if c.AlertThresholdSeconds <= 0 {
		return fmt.Errorf("config: alert_threshold_seconds must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	if c.RetryInitialDelay <= 0 {
		return fmt.Errorf("config: retry_initial_delay must be positive")
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("config: retry_max_delay must not be smaller than retry_initial_delay")
	}
	if c.RetryBackoffFactor <= 1 {
		return fmt.Errorf("config: retry_backoff_factor must be greater than 1")
	}
	if c.RepositoryDir == "" {
		return fmt.Errorf("config: repository_dir must not be empty")
	}
	return nil
}

// IsDev mirrors Profile.IsDev: everything other than "prod" is
// considered a development-like mode.
func (c *Config) IsDev() bool {
	return c.Mode != "prod"
}
