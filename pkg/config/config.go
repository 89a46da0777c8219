package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/martinmaurice/pescan/pkg/env"
	"github.com/spf13/viper"
)

const (
	Unlimited = -1

	defaultThrottleName      = "yahoo:api"
	defaultRequestsPerSecond = 2.0
	defaultBurst             = 5
	defaultAcquireTimeout    = 30 * time.Second

	defaultTier        = "anonymous"
	defaultQuotaWindow = 24 * time.Hour
	defaultQuotaBuffer = time.Hour

	defaultCacheTTL        = time.Hour
	defaultMaxWorkers      = 5
	defaultUpstreamTimeout = 10 * time.Second
	defaultReprobeInterval = 30 * time.Second

	defaultMetricsPath = "/metrics"
)

var (
	FileReadErr                  = errors.New("config file could not be read")
	RawConfigStructValidationErr = errors.New("config validation failed")
)

func defaultTiers() map[string]int {
	return map[string]int{
		"anonymous": 3,
		"free":      10,
		"pro":       Unlimited,
		"premium":   Unlimited,
	}
}

type rawConfig struct {
	Throttle *struct {
		Name              string
		RequestsPerSecond *float64       `mapstructure:"requests_per_second"`
		Burst             *int           `mapstructure:"burst"`
		AcquireTimeout    *time.Duration `mapstructure:"acquire_timeout"`
	}
	Quotas *struct {
		DefaultTier string         `mapstructure:"default_tier"`
		Window      *time.Duration `mapstructure:"window"`
		Buffer      *time.Duration `mapstructure:"buffer"`
		Tiers       map[string]int `mapstructure:"tiers"`
	}
	Cache *struct {
		TTL *time.Duration `mapstructure:"ttl"`
	}
	Fetch *struct {
		MaxWorkers      *int           `mapstructure:"max_workers"`
		UpstreamTimeout *time.Duration `mapstructure:"upstream_timeout"`
	}
	Backend *struct {
		ReprobeInterval *time.Duration `mapstructure:"reprobe_interval"`
	}
	APIKeys []struct {
		Key  string
		Tier string
	} `mapstructure:"api_keys"`
	Metrics *struct {
		Enabled *bool
		Path    string
	}
}

type ThrottleConfig struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	AcquireTimeout    time.Duration
}

func (t ThrottleConfig) validate() error {
	if t.Name == "" {
		return errors.New("throttle name is required")
	}
	if t.RequestsPerSecond <= 0 {
		return errors.New("throttle requests_per_second must be greater than zero")
	}
	if t.Burst < 1 {
		return errors.New("throttle burst must be at least one")
	}
	if t.AcquireTimeout < 0 {
		return errors.New("throttle acquire_timeout must not be negative")
	}
	return nil
}

type QuotaConfig struct {
	DefaultTier string
	Window      time.Duration
	Buffer      time.Duration
	Tiers       map[string]int // daily limit per tier, Unlimited for no limit
}

func (q QuotaConfig) validate() error {
	if q.Window <= 0 {
		return errors.New("quotas window must be greater than zero")
	}
	if q.Buffer < 0 {
		return errors.New("quotas buffer must not be negative")
	}
	for tier, limit := range q.Tiers {
		if limit < Unlimited {
			return fmt.Errorf("quotas tier %q limit must be -1 (unlimited) or positive", tier)
		}
	}
	if _, ok := q.Tiers[q.DefaultTier]; !ok {
		return fmt.Errorf("quotas default_tier %q is not a configured tier", q.DefaultTier)
	}
	return nil
}

type CacheConfig struct {
	TTL time.Duration
}

type FetchConfig struct {
	MaxWorkers      int
	UpstreamTimeout time.Duration
}

type BackendConfig struct {
	ReprobeInterval time.Duration
}

type metricConfig struct {
	Enabled bool
	Path    string
}

type Config struct {
	Throttle ThrottleConfig
	Quotas   QuotaConfig
	Cache    CacheConfig
	Fetch    FetchConfig
	Backend  BackendConfig
	APIKeys  map[string]string // api key -> tier
	Metrics  metricConfig
}

// Default returns the built-in configuration used when no config file is available.
func Default() *Config {
	return &Config{
		Throttle: ThrottleConfig{
			Name:              defaultThrottleName,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultBurst,
			AcquireTimeout:    defaultAcquireTimeout,
		},
		Quotas: QuotaConfig{
			DefaultTier: defaultTier,
			Window:      defaultQuotaWindow,
			Buffer:      defaultQuotaBuffer,
			Tiers:       defaultTiers(),
		},
		Cache:   CacheConfig{TTL: defaultCacheTTL},
		Fetch:   FetchConfig{MaxWorkers: defaultMaxWorkers, UpstreamTimeout: defaultUpstreamTimeout},
		Backend: BackendConfig{ReprobeInterval: defaultReprobeInterval},
		APIKeys: map[string]string{},
		Metrics: metricConfig{Enabled: true, Path: defaultMetricsPath},
	}
}

func validationErr(err error) error {
	return fmt.Errorf("%w: %v", RawConfigStructValidationErr, err)
}

func parseThrottleConfig(rc *rawConfig, cfg *Config) error {
	if rc.Throttle == nil {
		return errors.New("throttle section is required")
	}
	if rc.Throttle.Name != "" {
		cfg.Throttle.Name = rc.Throttle.Name
	}
	if rc.Throttle.RequestsPerSecond == nil {
		return errors.New("you must specify the throttle requests_per_second")
	}
	cfg.Throttle.RequestsPerSecond = *rc.Throttle.RequestsPerSecond
	if rc.Throttle.Burst != nil {
		cfg.Throttle.Burst = *rc.Throttle.Burst
	}
	if rc.Throttle.AcquireTimeout != nil {
		cfg.Throttle.AcquireTimeout = *rc.Throttle.AcquireTimeout
	}
	return cfg.Throttle.validate()
}

func parseQuotaConfig(rc *rawConfig, cfg *Config) error {
	if rc.Quotas != nil {
		if rc.Quotas.DefaultTier != "" {
			cfg.Quotas.DefaultTier = rc.Quotas.DefaultTier
		}
		if rc.Quotas.Window != nil {
			cfg.Quotas.Window = *rc.Quotas.Window
		}
		if rc.Quotas.Buffer != nil {
			cfg.Quotas.Buffer = *rc.Quotas.Buffer
		}
		maps.Copy(cfg.Quotas.Tiers, rc.Quotas.Tiers)
	}
	return cfg.Quotas.validate()
}

func parseFetchConfig(rc *rawConfig, cfg *Config) error {
	if rc.Cache != nil && rc.Cache.TTL != nil {
		cfg.Cache.TTL = *rc.Cache.TTL
	}
	if cfg.Cache.TTL <= 0 {
		return errors.New("cache ttl must be greater than zero")
	}

	if rc.Fetch != nil {
		if rc.Fetch.MaxWorkers != nil {
			cfg.Fetch.MaxWorkers = *rc.Fetch.MaxWorkers
		}
		if rc.Fetch.UpstreamTimeout != nil {
			cfg.Fetch.UpstreamTimeout = *rc.Fetch.UpstreamTimeout
		}
	}
	if cfg.Fetch.MaxWorkers < 1 {
		return errors.New("fetch max_workers must be at least one")
	}
	if cfg.Fetch.UpstreamTimeout <= 0 {
		return errors.New("fetch upstream_timeout must be greater than zero")
	}

	if rc.Backend != nil && rc.Backend.ReprobeInterval != nil {
		cfg.Backend.ReprobeInterval = *rc.Backend.ReprobeInterval
	}
	if cfg.Backend.ReprobeInterval < 0 {
		return errors.New("backend reprobe_interval must not be negative")
	}
	return nil
}

func parseAPIKeys(rc *rawConfig, cfg *Config) error {
	for _, k := range rc.APIKeys {
		if k.Key == "" {
			return errors.New("api_keys entries need a key")
		}
		if _, ok := cfg.Quotas.Tiers[k.Tier]; !ok {
			return fmt.Errorf("api key tier %q is not a configured tier", k.Tier)
		}
		cfg.APIKeys[k.Key] = k.Tier
	}
	return nil
}

func parseMetricConfig(rc *rawConfig) (*metricConfig, error) {
	metrics := metricConfig{
		Enabled: true,
		Path:    defaultMetricsPath,
	}

	if rc.Metrics != nil {
		if rc.Metrics.Path == "" {
			return nil, errors.New("metrics path could not be empty")
		}

		metrics.Path = rc.Metrics.Path

		if rc.Metrics.Enabled != nil {
			metrics.Enabled = *rc.Metrics.Enabled
		}
	}

	return &metrics, nil
}

func parseRawConfig(rc *rawConfig) (*Config, error) {
	cfg := Default()

	for _, parse := range []func(*rawConfig, *Config) error{
		parseThrottleConfig,
		parseQuotaConfig,
		parseFetchConfig,
		parseAPIKeys,
	} {
		if err := parse(rc, cfg); err != nil {
			return nil, validationErr(err)
		}
	}

	metric, err := parseMetricConfig(rc)
	if err != nil {
		return nil, validationErr(err)
	}
	cfg.Metrics = *metric

	return cfg, nil
}

func newConfig(path string) (*Config, error) {
	slog.Info("loading config", "path", path)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", FileReadErr, err)
	}

	var rc rawConfig
	if err := v.Unmarshal(&rc); err != nil {
		return nil, fmt.Errorf("%w: unable to decode raw config: %v", RawConfigStructValidationErr, err)
	}

	return parseRawConfig(&rc)
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	return newConfig(path)
}

var (
	once           sync.Once
	configInstance *Config
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		configInstance, err = newConfig(env.GetEnv().ConfigFile)
		if err != nil {
			log.Fatalf("Could not create new config err: %v", err)
		}
	})
	return configInstance
}
