// SPDX-License-Identifier: MIT

// Package config loads and validates orchestrator configuration with
// precedence ENV > YAML file > defaults.
package config

import "time"

// Config is the effective runtime configuration.
type Config struct {
	Listen         string
	APIKey         string
	LogLevel       string
	DataDir        string
	SuffixListPath string
	Version        string

	Scheduler    SchedulerConfig
	Domain       DomainConfig
	Intervention InterventionConfig
	Persona      PersonaConfig
	Trace        TraceConfig
}

// SchedulerConfig tunes queueing, dispatch and the persona backoff.
type SchedulerConfig struct {
	ReadyQueueCapacity  int
	DroneQueueCapacity  int
	MaxInFlightPerDrone int
	AckTimeout          time.Duration
	HeartbeatExpect     time.Duration
	DisconnectGrace     time.Duration
	DispatchLoopDelay   time.Duration
	PersonaMaxRetries   int
	PersonaBaseDelay    time.Duration
	PersonaMaxBackoff   time.Duration
}

// DomainConfig tunes the per-domain admission limiter.
type DomainConfig struct {
	GlobalMaxSessions   int
	ConcurrencyPerDrone int
	QPSPerDrone         float64
	BurstLimit          int
	Cooldown            time.Duration
	StateTTL            time.Duration
}

// InterventionConfig tunes the operator intervention window.
type InterventionConfig struct {
	Screenshot bool
	WindowTTL  time.Duration
	StepTTL    time.Duration
}

// PersonaConfig selects the persona store backend. An empty RedisAddr
// selects the in-memory store.
type PersonaConfig struct {
	RedisAddr string
	RedisDB   int
}

// TraceConfig configures the OpenTelemetry provider.
type TraceConfig struct {
	Enabled    bool
	Exporter   string
	Endpoint   string
	SampleRate float64
}

// Default returns the built-in defaults, before file and ENV overrides.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		DataDir:  "/var/lib/hive",
		Scheduler: SchedulerConfig{
			ReadyQueueCapacity:  1000,
			DroneQueueCapacity:  10,
			MaxInFlightPerDrone: 1,
			AckTimeout:          20 * time.Second,
			HeartbeatExpect:     30 * time.Second,
			DisconnectGrace:     60 * time.Second,
			DispatchLoopDelay:   100 * time.Millisecond,
			PersonaMaxRetries:   5,
			PersonaBaseDelay:    5 * time.Second,
			PersonaMaxBackoff:   120 * time.Second,
		},
		Domain: DomainConfig{
			GlobalMaxSessions:   25,
			ConcurrencyPerDrone: 1,
			QPSPerDrone:         2.0,
			BurstLimit:          3,
			Cooldown:            30 * time.Second,
			StateTTL:            600 * time.Second,
		},
		Intervention: InterventionConfig{
			Screenshot: true,
			WindowTTL:  120 * time.Second,
			StepTTL:    30 * time.Second,
		},
		Trace: TraceConfig{
			Exporter:   "grpc",
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}

// FileConfig is the YAML file shape. Durations are Go duration strings.
// Pointer fields distinguish "absent" from zero values.
type FileConfig struct {
	Listen         string `yaml:"listen,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"`
	LogLevel       string `yaml:"logLevel,omitempty"`
	DataDir        string `yaml:"dataDir,omitempty"`
	SuffixListPath string `yaml:"suffixListPath,omitempty"`

	Scheduler    SchedulerFileConfig    `yaml:"scheduler,omitempty"`
	Domain       DomainFileConfig       `yaml:"domain,omitempty"`
	Intervention InterventionFileConfig `yaml:"intervention,omitempty"`
	Persona      PersonaFileConfig      `yaml:"personaStore,omitempty"`
	Trace        TraceFileConfig        `yaml:"trace,omitempty"`
}

// SchedulerFileConfig mirrors SchedulerConfig for the YAML file.
type SchedulerFileConfig struct {
	ReadyQueueCapacity  *int   `yaml:"readyQueueCapacity,omitempty"`
	DroneQueueCapacity  *int   `yaml:"droneQueueCapacity,omitempty"`
	MaxInFlightPerDrone *int   `yaml:"maxInFlightPerDrone,omitempty"`
	AckTimeout          string `yaml:"ackTimeout,omitempty"`
	HeartbeatExpect     string `yaml:"heartbeatExpect,omitempty"`
	DisconnectGrace     string `yaml:"disconnectGrace,omitempty"`
	DispatchLoopDelay   string `yaml:"dispatchLoopDelay,omitempty"`
	PersonaMaxRetries   *int   `yaml:"personaMaxRetries,omitempty"`
	PersonaBaseDelay    string `yaml:"personaBaseDelay,omitempty"`
	PersonaMaxBackoff   string `yaml:"personaMaxBackoff,omitempty"`
}

// DomainFileConfig mirrors DomainConfig for the YAML file.
type DomainFileConfig struct {
	GlobalMaxSessions   *int     `yaml:"globalMaxSessions,omitempty"`
	ConcurrencyPerDrone *int     `yaml:"concurrencyPerDrone,omitempty"`
	QPSPerDrone         *float64 `yaml:"qpsPerDrone,omitempty"`
	BurstLimit          *int     `yaml:"burstLimit,omitempty"`
	Cooldown            string   `yaml:"cooldown,omitempty"`
	StateTTL            string   `yaml:"stateTtl,omitempty"`
}

// InterventionFileConfig mirrors InterventionConfig for the YAML file.
type InterventionFileConfig struct {
	Screenshot *bool  `yaml:"screenshot,omitempty"`
	WindowTTL  string `yaml:"windowTtl,omitempty"`
	StepTTL    string `yaml:"stepTtl,omitempty"`
}

// PersonaFileConfig mirrors PersonaConfig for the YAML file.
type PersonaFileConfig struct {
	RedisAddr string `yaml:"redisAddr,omitempty"`
	RedisDB   *int   `yaml:"redisDb,omitempty"`
}

// TraceFileConfig mirrors TraceConfig for the YAML file.
type TraceFileConfig struct {
	Enabled    *bool    `yaml:"enabled,omitempty"`
	Exporter   string   `yaml:"exporter,omitempty"`
	Endpoint   string   `yaml:"endpoint,omitempty"`
	SampleRate *float64 `yaml:"sampleRate,omitempty"`
}
