package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	minPollInterval = time.Second
)

// Config is the full runtime configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Collector CollectorConfig `yaml:"collector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig locates and authenticates the router's ubus endpoint.
type RemoteConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CollectorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AlertsConfig struct {
	SuppressionWindow  time.Duration `yaml:"suppression_window"`
	WebhookURL         string        `yaml:"webhook_url"`
	NotifyTemplate     string        `yaml:"notify_template"`
	NotifyCooldown     time.Duration `yaml:"notify_cooldown"`
	NotifyDedupeWindow time.Duration `yaml:"notify_dedupe_window"`
	NotifyTimeout      time.Duration `yaml:"notify_timeout"`
	NotifyQueueSize    int           `yaml:"notify_queue_size"`
	TelegramBotToken   string        `yaml:"telegram_bot_token"`
	TelegramChatIDs    string        `yaml:"telegram_chat_ids"`
	PublicBaseURL      string        `yaml:"public_base_url"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration built from environment variables alone.
func Defaults() Config {
	return Config{
		Remote: RemoteConfig{
			URL:      getenvDefault("BANDIX_URL", "http://192.168.1.1/ubus"),
			Username: getenvDefault("BANDIX_USERNAME", "root"),
			Password: os.Getenv("BANDIX_PASSWORD"),
			Timeout:  getenvDuration("BANDIX_TIMEOUT", 5*time.Second),
		},
		Collector: CollectorConfig{
			PollInterval: getenvDuration("BANDIX_POLL_INTERVAL", time.Minute),
		},
		Alerts: AlertsConfig{
			SuppressionWindow:  getenvDuration("ALERT_SUPPRESSION_WINDOW", 5*time.Minute),
			WebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
			NotifyTemplate:     os.Getenv("ALERT_NOTIFY_TEMPLATE"),
			NotifyCooldown:     getenvDuration("ALERT_NOTIFY_COOLDOWN", 0),
			NotifyDedupeWindow: getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", 0),
			NotifyTimeout:      getenvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second),
			NotifyQueueSize:    getenvInt("ALERT_NOTIFY_QUEUE_SIZE", 64),
			TelegramBotToken:   os.Getenv("ALERT_TELEGRAM_BOT_TOKEN"),
			TelegramChatIDs:    os.Getenv("ALERT_TELEGRAM_CHAT_IDS"),
			PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		},
		HTTP: HTTPConfig{
			Addr: getenvDefault("HTTP_ADDR", ":8080"),
		},
		Store: StoreConfig{
			Driver:      getenvDefault("STORE_DRIVER", DriverPostgres),
			DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		},
		Log: LogConfig{
			Level:  getenvDefault("LOG_LEVEL", "info"),
			Format: getenvDefault("LOG_FORMAT", "json"),
		},
	}
}

// Load builds the configuration from the environment and overlays the YAML
// file at path when path is not empty.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("settings: parse %s: %w", path, err)
		}
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration before it is used or swapped in.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Remote.URL) == "" {
		return errors.New("settings: remote.url required")
	}
	if strings.TrimSpace(c.Remote.Username) == "" {
		return errors.New("settings: remote.username required")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("settings: remote.timeout must be positive")
	}
	if c.Collector.PollInterval < minPollInterval {
		return fmt.Errorf("settings: collector.poll_interval must be at least %s", minPollInterval)
	}
	if c.Alerts.SuppressionWindow <= 0 {
		return errors.New("settings: alerts.suppression_window must be positive")
	}
	if c.Alerts.NotifyCooldown < 0 || c.Alerts.NotifyDedupeWindow < 0 {
		return errors.New("settings: notify windows must not be negative")
	}
	if c.Alerts.NotifyQueueSize <= 0 {
		return errors.New("settings: alerts.notify_queue_size must be positive")
	}
	if (c.Alerts.TelegramBotToken == "") != (strings.TrimSpace(c.Alerts.TelegramChatIDs) == "") {
		return errors.New("settings: alerts.telegram_bot_token and alerts.telegram_chat_ids must be set together")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("settings: store.database_url required for postgres")
		}
	default:
		return fmt.Errorf("settings: unknown store.driver %q", c.Store.Driver)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("settings: log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("settings: unknown log.format %q", c.Log.Format)
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		if seconds, convErr := strconv.Atoi(value); convErr == nil {
			return time.Duration(seconds) * time.Second
		}
		return fallback
	}
	return parsed
}
