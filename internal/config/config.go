package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/internal/accounting"
	"github.com/masa-finance/ledger-relay/internal/transport"
)

const (
	defaultDataDir       = "/home/relay"
	defaultListenAddress = ":8080"

	defaultMonitorInterval         = 30
	defaultMaxConcurrentRecoveries = 2
	defaultCheckInterval           = 30
	defaultMaxFailures             = 3
	defaultRecoveryCooldown        = 300

	defaultWorkers            = 3
	defaultQueueCapacity      = 1000
	defaultTaskTimeout        = 60
	defaultResultCacheMaxSize = 1000
	defaultResultCacheMaxAge  = 600
	defaultReplyTemplate      = "{result}"
)

// Configuration is the flattened process configuration, keyed by the
// lower-cased variable name.
type Configuration map[string]any

// ReadConfig loads $DATA_DIR/.env when present and reads the environment.
// Malformed numbers fall back to their defaults with an error logged.
func ReadConfig() Configuration {
	c := Configuration{}

	level := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	c["log_level"] = level.String()
	SetLogLevel(level)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	c["data_dir"] = dataDir

	if err := godotenv.Load(filepath.Join(dataDir, ".env")); err != nil {
		logrus.Debugf("No env file in %s, reading from environment variables only", dataDir)
	}

	c["listen_address"] = envString("LISTEN_ADDRESS", defaultListenAddress)
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		c["api_key"] = apiKey
	}
	c["profiling_enabled"] = envBool("ENABLE_PPROF", false)

	// Supervisor
	c["monitor_interval"] = envSeconds("MONITOR_INTERVAL_SECONDS", defaultMonitorInterval)
	c["max_concurrent_recoveries"] = envInt("MAX_CONCURRENT_RECOVERIES", defaultMaxConcurrentRecoveries)
	c["check_interval"] = envSeconds("CHECK_INTERVAL_SECONDS", defaultCheckInterval)
	c["max_failures"] = envInt("MAX_FAILURES", defaultMaxFailures)
	c["recovery_cooldown"] = envSeconds("RECOVERY_COOLDOWN_SECONDS", defaultRecoveryCooldown)
	c["health_check_timeout"] = envSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 0)

	// Delivery pipeline
	c["delivery_workers"] = envInt("DELIVERY_WORKERS", defaultWorkers)
	c["queue_capacity"] = envInt("QUEUE_CAPACITY", defaultQueueCapacity)
	c["auto_reply"] = envBool("AUTO_REPLY", true)
	c["reply_template"] = envString("REPLY_TEMPLATE", defaultReplyTemplate)
	c["task_timeout"] = envSeconds("TASK_TIMEOUT_SECONDS", defaultTaskTimeout)
	c["result_cache_max_size"] = envInt("RESULT_CACHE_MAX_SIZE", defaultResultCacheMaxSize)
	c["result_cache_max_age"] = envSeconds("RESULT_CACHE_MAX_AGE_SECONDS", defaultResultCacheMaxAge)

	// Collaborators
	c["accounting_server_url"] = os.Getenv("ACCOUNTING_SERVER_URL")
	c["accounting_username"] = os.Getenv("ACCOUNTING_USERNAME")
	c["accounting_password"] = os.Getenv("ACCOUNTING_PASSWORD")
	c["accounting_book_id"] = os.Getenv("ACCOUNTING_BOOK_ID")
	c["chat_webhook_url"] = os.Getenv("CHAT_WEBHOOK_URL")
	c["chat_webhook_token"] = os.Getenv("CHAT_WEBHOOK_TOKEN")

	if c.GetString("accounting_server_url", "") == "" {
		logrus.Warn("ACCOUNTING_SERVER_URL not set, messages cannot be recorded")
	}
	if c.GetString("chat_webhook_url", "") == "" {
		logrus.Info("CHAT_WEBHOOK_URL not set, replies will only be logged")
	}

	return c
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		logrus.Errorf("Error parsing %s=%q, using default %d", key, s, def)
		return def
	}
	return v
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envBool(key string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		logrus.Errorf("Error parsing %s=%q, using default %t", key, s, def)
		return def
	}
	return v
}

// Unmarshal unmarshals the configuration into the supplied interface.
func (c Configuration) Unmarshal(v any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("error marshalling configuration: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling configuration: %w", err)
	}
	return nil
}

func (c Configuration) DataDir() string {
	return c.GetString("data_dir", defaultDataDir)
}

func (c Configuration) ListenAddress() string {
	return c.GetString("listen_address", defaultListenAddress)
}

func (c Configuration) APIKey() string {
	return c.GetString("api_key", "")
}

func (c Configuration) ProfilingEnabled() bool {
	return c.GetBool("profiling_enabled", false)
}

// GetInt safely extracts an int, with a default fallback
func (c Configuration) GetInt(key string, def int) (int, error) {
	if v, ok := c[key]; ok {
		switch val := v.(type) {
		case int:
			return val, nil
		case int64:
			return int(val), nil
		case float64:
			return int(val), nil
		case float32:
			return int(val), nil
		default:
			return def, fmt.Errorf("value %v for key %q cannot be converted to int", val, key)
		}
	}
	return def, nil
}

func (c Configuration) getInt(key string, def int) int {
	v, err := c.GetInt(key, def)
	if err != nil {
		logrus.Warn(err)
	}
	return v
}

func (c Configuration) GetDuration(key string, defSecs int) time.Duration {
	if v, ok := c[key]; ok {
		if val, ok := v.(time.Duration); ok {
			return val
		}
	}
	return time.Duration(defSecs) * time.Second
}

func (c Configuration) GetString(key string, def string) string {
	if v, ok := c[key]; ok {
		if val, ok := v.(string); ok {
			return val
		}
	}
	return def
}

// GetBool safely extracts a bool, with a default fallback
func (c Configuration) GetBool(key string, def bool) bool {
	if v, ok := c[key]; ok {
		if val, ok := v.(bool); ok {
			return val
		}
	}
	return def
}

type SupervisorConfig struct {
	MonitorInterval         time.Duration
	MaxConcurrentRecoveries int
	CheckInterval           time.Duration
	MaxFailures             int
	RecoveryCooldown        time.Duration
	// CheckTimeout of zero leaves health checks unbounded.
	CheckTimeout time.Duration
}

func (c Configuration) SupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MonitorInterval:         c.GetDuration("monitor_interval", defaultMonitorInterval),
		MaxConcurrentRecoveries: c.getInt("max_concurrent_recoveries", defaultMaxConcurrentRecoveries),
		CheckInterval:           c.GetDuration("check_interval", defaultCheckInterval),
		MaxFailures:             c.getInt("max_failures", defaultMaxFailures),
		RecoveryCooldown:        c.GetDuration("recovery_cooldown", defaultRecoveryCooldown),
		CheckTimeout:            c.GetDuration("health_check_timeout", 0),
	}
}

type PipelineConfig struct {
	Workers            int
	QueueCapacity      int
	AutoReply          bool
	ReplyTemplate      string
	TaskTimeout        time.Duration
	ResultCacheMaxSize int
	ResultCacheMaxAge  time.Duration
}

func (c Configuration) PipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:            c.getInt("delivery_workers", defaultWorkers),
		QueueCapacity:      c.getInt("queue_capacity", defaultQueueCapacity),
		AutoReply:          c.GetBool("auto_reply", true),
		ReplyTemplate:      c.GetString("reply_template", defaultReplyTemplate),
		TaskTimeout:        c.GetDuration("task_timeout", defaultTaskTimeout),
		ResultCacheMaxSize: c.getInt("result_cache_max_size", defaultResultCacheMaxSize),
		ResultCacheMaxAge:  c.GetDuration("result_cache_max_age", defaultResultCacheMaxAge),
	}
}

func (c Configuration) AccountingConfig() accounting.Config {
	return accounting.Config{
		ServerURL:     c.GetString("accounting_server_url", ""),
		Email:         c.GetString("accounting_username", ""),
		Password:      c.GetString("accounting_password", ""),
		AccountBookID: c.GetString("accounting_book_id", ""),
	}
}

func (c Configuration) TransportConfig() transport.Config {
	return transport.Config{
		WebhookURL: c.GetString("chat_webhook_url", ""),
		Token:      c.GetString("chat_webhook_token", ""),
	}
}

// ParseLogLevel parses a string and returns the corresponding logrus.Level.
func ParseLogLevel(logLevel string) logrus.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		logrus.WithFields(logrus.Fields{"level": logLevel, "setting_to": logrus.InfoLevel.String()}).Error("Invalid log level")
		return logrus.InfoLevel
	}
}

// SetLogLevel sets the log level for the application.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
