package core

import (
	"fmt"
	"strings"
	"time"
)

type BusConfig struct {
	PollIntervalMs      int     `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BatchSize           int     `koanf:"batch_size" mapstructure:"batch_size"`
	DispatchConcurrency int     `koanf:"dispatch_concurrency" mapstructure:"dispatch_concurrency"`
	StuckTimeoutSeconds int     `koanf:"stuck_timeout_seconds" mapstructure:"stuck_timeout_seconds"`
	RequestTimeoutMs    int     `koanf:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	DefaultMaxAttempts  int     `koanf:"default_max_attempts" mapstructure:"default_max_attempts"`
	BackoffBaseSeconds  int     `koanf:"backoff_base_seconds" mapstructure:"backoff_base_seconds"`
	MaxBackoffSeconds   int     `koanf:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`
	JitterMin           float64 `koanf:"jitter_min" mapstructure:"jitter_min"`
	JitterMax           float64 `koanf:"jitter_max" mapstructure:"jitter_max"`
	UserAgent           string  `koanf:"user_agent" mapstructure:"user_agent"`
}

func (c BusConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c BusConfig) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSeconds) * time.Second
}

func (c BusConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

type DispatcherConfig struct {
	PollIntervalMs        int     `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	BatchSize             int     `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts           int     `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSeconds int     `koanf:"initial_backoff_seconds" mapstructure:"initial_backoff_seconds"`
	BackoffMultiplier     float64 `koanf:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxBackoffSeconds     int     `koanf:"max_backoff_seconds" mapstructure:"max_backoff_seconds"`
	JitterRatio           float64 `koanf:"jitter_ratio" mapstructure:"jitter_ratio"`
	RecoverIntervalMs     int     `koanf:"recover_interval_ms" mapstructure:"recover_interval_ms"`
	RecoverTimeoutMinutes int     `koanf:"recover_timeout_minutes" mapstructure:"recover_timeout_minutes"`
	WorkerID              string  `koanf:"worker_id" mapstructure:"worker_id"`
}

func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c DispatcherConfig) RecoverInterval() time.Duration {
	return time.Duration(c.RecoverIntervalMs) * time.Millisecond
}

func (c DispatcherConfig) RecoverTimeout() time.Duration {
	return time.Duration(c.RecoverTimeoutMinutes) * time.Minute
}

type ScheduleConfig struct {
	Enabled  bool   `koanf:"enabled" mapstructure:"enabled"`
	Cron     string `koanf:"cron" mapstructure:"cron"`
	Timezone string `koanf:"timezone" mapstructure:"timezone"`
}

type SchedulesConfig struct {
	HubSpotSync    ScheduleConfig `koanf:"hubspot_sync" mapstructure:"hubspot_sync"`
	SalesforceSync ScheduleConfig `koanf:"salesforce_sync" mapstructure:"salesforce_sync"`
	Reconciliation ScheduleConfig `koanf:"reconciliation" mapstructure:"reconciliation"`
}

type OrchestratorConfig struct {
	MaxConcurrentJobs         int             `koanf:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	BatchConcurrency          int             `koanf:"batch_concurrency" mapstructure:"batch_concurrency"`
	InboundSampleSize         int             `koanf:"inbound_sample_size" mapstructure:"inbound_sample_size"`
	MaxInboundPages           int             `koanf:"max_inbound_pages" mapstructure:"max_inbound_pages"`
	ReconciliationSampleSize  int             `koanf:"reconciliation_sample_size" mapstructure:"reconciliation_sample_size"`
	ReconciliationWindowHours int             `koanf:"reconciliation_window_hours" mapstructure:"reconciliation_window_hours"`
	LockTTLSeconds            int             `koanf:"lock_ttl_seconds" mapstructure:"lock_ttl_seconds"`
	Schedules                 SchedulesConfig `koanf:"schedules" mapstructure:"schedules"`
}

type HubSpotConfig struct {
	Enabled          bool   `koanf:"enabled" mapstructure:"enabled"`
	BaseURL          string `koanf:"base_url" mapstructure:"base_url"`
	AccessToken      string `koanf:"access_token" mapstructure:"access_token"`
	BatchSize        int    `koanf:"batch_size" mapstructure:"batch_size"`
	WindowMinutes    int    `koanf:"window_minutes" mapstructure:"window_minutes"`
	RequestTimeoutMs int    `koanf:"request_timeout_ms" mapstructure:"request_timeout_ms"`
}

type SalesforceConfig struct {
	Enabled          bool   `koanf:"enabled" mapstructure:"enabled"`
	LoginURL         string `koanf:"login_url" mapstructure:"login_url"`
	ClientID         string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret     string `koanf:"client_secret" mapstructure:"client_secret"`
	Username         string `koanf:"username" mapstructure:"username"`
	Password         string `koanf:"password" mapstructure:"password"`
	APIVersion       string `koanf:"api_version" mapstructure:"api_version"`
	BatchSize        int    `koanf:"batch_size" mapstructure:"batch_size"`
	WindowMinutes    int    `koanf:"window_minutes" mapstructure:"window_minutes"`
	RequestTimeoutMs int    `koanf:"request_timeout_ms" mapstructure:"request_timeout_ms"`
}

type IntegrationsConfig struct {
	HubSpot    HubSpotConfig    `koanf:"hubspot" mapstructure:"hubspot"`
	Salesforce SalesforceConfig `koanf:"salesforce" mapstructure:"salesforce"`
}

type BreakerConfig struct {
	MaxRequests      int `koanf:"max_requests" mapstructure:"max_requests"`
	IntervalSeconds  int `koanf:"interval_seconds" mapstructure:"interval_seconds"`
	TimeoutSeconds   int `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
	FailureThreshold int `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	MinRequests      int `koanf:"min_requests" mapstructure:"min_requests"`
}

type Config struct {
	ServiceName  string             `koanf:"service_name" mapstructure:"service_name"`
	Bus          BusConfig          `koanf:"bus" mapstructure:"bus"`
	Dispatcher   DispatcherConfig   `koanf:"dispatcher" mapstructure:"dispatcher"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" mapstructure:"orchestrator"`
	Integrations IntegrationsConfig `koanf:"integrations" mapstructure:"integrations"`
	Breaker      BreakerConfig      `koanf:"breaker" mapstructure:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "relay",
		Bus: BusConfig{
			PollIntervalMs:      1000,
			BatchSize:           25,
			DispatchConcurrency: 25,
			StuckTimeoutSeconds: 300,
			RequestTimeoutMs:    10000,
			DefaultMaxAttempts:  5,
			BackoffBaseSeconds:  30,
			MaxBackoffSeconds:   900,
			JitterMin:           0.75,
			JitterMax:           1.25,
			UserAgent:           "edulure-webhooks/1.0",
		},
		Dispatcher: DispatcherConfig{
			PollIntervalMs:        2000,
			BatchSize:             50,
			MaxAttempts:           8,
			InitialBackoffSeconds: 30,
			BackoffMultiplier:     2,
			MaxBackoffSeconds:     900,
			JitterRatio:           0.2,
			RecoverIntervalMs:     60000,
			RecoverTimeoutMinutes: 10,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentJobs:         2,
			BatchConcurrency:          4,
			InboundSampleSize:         50,
			MaxInboundPages:           5,
			ReconciliationSampleSize:  25,
			ReconciliationWindowHours: 24,
			LockTTLSeconds:            1800,
			Schedules: SchedulesConfig{
				HubSpotSync:    ScheduleConfig{Enabled: true, Cron: "*/15 * * * *", Timezone: "Etc/UTC"},
				SalesforceSync: ScheduleConfig{Enabled: true, Cron: "*/20 * * * *", Timezone: "Etc/UTC"},
				Reconciliation: ScheduleConfig{Enabled: true, Cron: "0 3 * * *", Timezone: "Etc/UTC"},
			},
		},
		Integrations: IntegrationsConfig{
			HubSpot: HubSpotConfig{
				BaseURL:          "https://api.hubapi.com",
				BatchSize:        100,
				WindowMinutes:    90,
				RequestTimeoutMs: 15000,
			},
			Salesforce: SalesforceConfig{
				LoginURL:         "https://login.salesforce.com",
				APIVersion:       "v58.0",
				BatchSize:        25,
				WindowMinutes:    90,
				RequestTimeoutMs: 15000,
			},
		},
		Breaker: BreakerConfig{
			MaxRequests:      1,
			IntervalSeconds:  60,
			TimeoutSeconds:   30,
			FailureThreshold: 5,
			MinRequests:      5,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := c.Bus.validate(); err != nil {
		return err
	}
	if err := c.Dispatcher.validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.validate(); err != nil {
		return err
	}
	if err := c.Integrations.validate(); err != nil {
		return err
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.MaxRequests < 0 {
		return fmt.Errorf("core: breaker thresholds must not be negative")
	}
	return nil
}

func (c BusConfig) validate() error {
	switch {
	case c.PollIntervalMs <= 0:
		return fmt.Errorf("core: bus.poll_interval_ms must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("core: bus.batch_size must be positive")
	case c.StuckTimeoutSeconds <= 0:
		return fmt.Errorf("core: bus.stuck_timeout_seconds must be positive")
	case c.RequestTimeoutMs <= 0:
		return fmt.Errorf("core: bus.request_timeout_ms must be positive")
	case c.StuckTimeoutSeconds*1000 <= c.RequestTimeoutMs:
		return fmt.Errorf("core: bus.stuck_timeout_seconds must exceed bus.request_timeout_ms")
	case c.DefaultMaxAttempts <= 0:
		return fmt.Errorf("core: bus.default_max_attempts must be positive")
	case c.BackoffBaseSeconds <= 0 || c.MaxBackoffSeconds < c.BackoffBaseSeconds:
		return fmt.Errorf("core: bus backoff bounds are invalid")
	case c.JitterMin <= 0 || c.JitterMax < c.JitterMin:
		return fmt.Errorf("core: bus jitter range is invalid")
	}
	return nil
}

func (c DispatcherConfig) validate() error {
	switch {
	case c.PollIntervalMs <= 0:
		return fmt.Errorf("core: dispatcher.poll_interval_ms must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("core: dispatcher.batch_size must be positive")
	case c.MaxAttempts <= 0:
		return fmt.Errorf("core: dispatcher.max_attempts must be positive")
	case c.InitialBackoffSeconds <= 0 || c.MaxBackoffSeconds < c.InitialBackoffSeconds:
		return fmt.Errorf("core: dispatcher backoff bounds are invalid")
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("core: dispatcher.backoff_multiplier must be at least 1")
	case c.JitterRatio < 0 || c.JitterRatio > 1:
		return fmt.Errorf("core: dispatcher.jitter_ratio must be within [0,1]")
	case c.RecoverIntervalMs <= 0:
		return fmt.Errorf("core: dispatcher.recover_interval_ms must be positive")
	case c.RecoverTimeoutMinutes <= 0:
		return fmt.Errorf("core: dispatcher.recover_timeout_minutes must be positive")
	}
	return nil
}

func (c OrchestratorConfig) validate() error {
	switch {
	case c.MaxConcurrentJobs <= 0:
		return fmt.Errorf("core: orchestrator.max_concurrent_jobs must be positive")
	case c.BatchConcurrency <= 0:
		return fmt.Errorf("core: orchestrator.batch_concurrency must be positive")
	case c.MaxInboundPages <= 0:
		return fmt.Errorf("core: orchestrator.max_inbound_pages must be positive")
	case c.ReconciliationSampleSize <= 0:
		return fmt.Errorf("core: orchestrator.reconciliation_sample_size must be positive")
	case c.ReconciliationWindowHours <= 0:
		return fmt.Errorf("core: orchestrator.reconciliation_window_hours must be positive")
	case c.InboundSampleSize < 0:
		return fmt.Errorf("core: orchestrator.inbound_sample_size must not be negative")
	}
	schedules := map[string]ScheduleConfig{
		"hubspot_sync":    c.Schedules.HubSpotSync,
		"salesforce_sync": c.Schedules.SalesforceSync,
		"reconciliation":  c.Schedules.Reconciliation,
	}
	for name, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if _, _, err := ParseSchedule(schedule); err != nil {
			return fmt.Errorf("core: orchestrator.schedules.%s: %w", name, err)
		}
	}
	return nil
}

func (c IntegrationsConfig) validate() error {
	if c.HubSpot.Enabled {
		if strings.TrimSpace(c.HubSpot.BaseURL) == "" || strings.TrimSpace(c.HubSpot.AccessToken) == "" {
			return fmt.Errorf("core: integrations.hubspot requires base_url and access_token")
		}
		if c.HubSpot.BatchSize <= 0 || c.HubSpot.BatchSize > 100 {
			return fmt.Errorf("core: integrations.hubspot.batch_size must be within [1,100]")
		}
		if c.HubSpot.WindowMinutes <= 0 {
			return fmt.Errorf("core: integrations.hubspot.window_minutes must be positive")
		}
	}
	if c.Salesforce.Enabled {
		sf := c.Salesforce
		if strings.TrimSpace(sf.LoginURL) == "" || strings.TrimSpace(sf.ClientID) == "" ||
			strings.TrimSpace(sf.Username) == "" || strings.TrimSpace(sf.Password) == "" {
			return fmt.Errorf("core: integrations.salesforce requires login_url, client_id, username and password")
		}
		if sf.BatchSize <= 0 || sf.BatchSize > 25 {
			return fmt.Errorf("core: integrations.salesforce.batch_size must be within [1,25]")
		}
		if sf.WindowMinutes <= 0 {
			return fmt.Errorf("core: integrations.salesforce.window_minutes must be positive")
		}
	}
	return nil
}
