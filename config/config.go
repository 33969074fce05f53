package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Floorwatch  AppConfig         `yaml:"floorwatch"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Stream      StreamConfig      `yaml:"stream"`
	Subscribers SubscribersConfig `yaml:"subscribers"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Storage     StorageConfig     `yaml:"storage"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	UpdateBuffer    int `yaml:"update_buffer"`
	ChangedBuffer   int `yaml:"changed_buffer"`
	CandidateBuffer int `yaml:"candidate_buffer"`
	AlertBuffer     int `yaml:"alert_buffer"`
}

type CatalogConfig struct {
	URL            string          `yaml:"url"`
	PageLimit      int             `yaml:"page_limit"`
	Interval       Duration        `yaml:"interval"`
	RequestTimeout Duration        `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Backoff        BackoffConfig   `yaml:"backoff"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

type StreamConfig struct {
	URL              string        `yaml:"url"`
	SubscribeBatch   int           `yaml:"subscribe_batch"`
	BatchPacing      Duration      `yaml:"batch_pacing"`
	SlugsFile        string        `yaml:"slugs_file"`
	HandshakeTimeout Duration      `yaml:"handshake_timeout"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type SubscribersConfig struct {
	File string `yaml:"file"`
}

type AlertsConfig struct {
	LinkBase string `yaml:"link_base"`
}

type DispatchConfig struct {
	QueueSize  int      `yaml:"queue_size"`
	Window     Duration `yaml:"window"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	MaxPayload int      `yaml:"max_payload"`
}

type TelegramConfig struct {
	APIURL         string   `yaml:"api_url"`
	Token          string   `yaml:"token"`
	ParseMode      string   `yaml:"parse_mode"`
	DisablePreview bool     `yaml:"disable_preview"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type StorageConfig struct {
	S3      S3Config      `yaml:"s3"`
	History HistoryConfig `yaml:"history"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type HistoryConfig struct {
	FlushInterval Duration `yaml:"flush_interval"`
	Compression   string   `yaml:"compression"`
}

// Duration wraps time.Duration so that yaml values like "60s" parse the way
// humans write them. yaml.v3 only decodes integers into time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Bare integers mean seconds. The tag check matters: yaml.v3 happily
	// decodes an integer scalar into a string, so trying the string path
	// first would reject plain numbers.
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration value %q", value.Value)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads, defaults, env-overrides and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Floorwatch: AppConfig{Name: "floorwatch", Version: "dev"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{
			UpdateBuffer:    4096,
			ChangedBuffer:   4096,
			CandidateBuffer: 8,
			AlertBuffer:     1024,
		},
		Catalog: CatalogConfig{
			PageLimit:      100,
			Interval:       Duration(60 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			RateLimit:      RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			Backoff:        BackoffConfig{BaseDelay: Duration(time.Second), MaxDelay: Duration(60 * time.Second)},
		},
		Stream: StreamConfig{
			SubscribeBatch:   200,
			BatchPacing:      Duration(time.Second),
			SlugsFile:        "collections.json",
			HandshakeTimeout: Duration(15 * time.Second),
			Backoff:          BackoffConfig{BaseDelay: Duration(time.Second), MaxDelay: Duration(60 * time.Second)},
		},
		Subscribers: SubscribersConfig{File: "subscribers.json"},
		Dispatch: DispatchConfig{
			QueueSize:  256,
			Window:     Duration(5 * time.Second),
			BaseDelay:  Duration(300 * time.Millisecond),
			MaxDelay:   Duration(time.Second),
			MaxPayload: 4096,
		},
		Telegram: TelegramConfig{
			APIURL:         "https://api.telegram.org",
			ParseMode:      "HTML",
			DisablePreview: true,
			RequestTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			History: HistoryConfig{FlushInterval: Duration(5 * time.Minute), Compression: "snappy"},
		},
	}
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TG_BOT_TOKEN"); v != "" {
		config.Telegram.Token = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func validateConfig(cfg *Config) error {
	if cfg.Catalog.URL == "" {
		return fmt.Errorf("catalog.url is required")
	}
	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if cfg.Catalog.PageLimit <= 0 {
		return fmt.Errorf("catalog.page_limit must be positive")
	}
	if cfg.Stream.SubscribeBatch <= 0 {
		return fmt.Errorf("stream.subscribe_batch must be positive")
	}
	if cfg.Dispatch.MaxPayload <= 0 {
		return fmt.Errorf("dispatch.max_payload must be positive")
	}
	if cfg.Catalog.Backoff.BaseDelay.Std() <= 0 || cfg.Catalog.Backoff.MaxDelay.Std() < cfg.Catalog.Backoff.BaseDelay.Std() {
		return fmt.Errorf("catalog.backoff delays are inconsistent")
	}
	if cfg.Stream.Backoff.BaseDelay.Std() <= 0 || cfg.Stream.Backoff.MaxDelay.Std() < cfg.Stream.Backoff.BaseDelay.Std() {
		return fmt.Errorf("stream.backoff delays are inconsistent")
	}

	if cfg.Storage.S3.Enabled {
		cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
		if !s3BucketRegexp.MatchString(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket %q is not a valid bucket name", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}
