// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a configuration loader. configPath may be empty for
// ENV-only operation.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

// Load builds the effective configuration: defaults, then the YAML file
// (strict), then environment overrides, then validation.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)

	// DataDir must be absolute before sinks derive paths from it.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile parses a YAML config file in strict mode; unknown fields are
// rejected to surface misconfiguration early.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

// mergeFileConfig applies the set fields of the YAML file onto cfg.
func mergeFileConfig(cfg *Config, f *FileConfig) error {
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.APIKey != "" {
		cfg.APIKey = f.APIKey
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.SuffixListPath != "" {
		cfg.SuffixListPath = f.SuffixListPath
	}

	s := f.Scheduler
	if s.ReadyQueueCapacity != nil {
		cfg.Scheduler.ReadyQueueCapacity = *s.ReadyQueueCapacity
	}
	if s.DroneQueueCapacity != nil {
		cfg.Scheduler.DroneQueueCapacity = *s.DroneQueueCapacity
	}
	if s.MaxInFlightPerDrone != nil {
		cfg.Scheduler.MaxInFlightPerDrone = *s.MaxInFlightPerDrone
	}
	if err := setDuration(&cfg.Scheduler.AckTimeout, s.AckTimeout, "scheduler.ackTimeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.HeartbeatExpect, s.HeartbeatExpect, "scheduler.heartbeatExpect"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.DisconnectGrace, s.DisconnectGrace, "scheduler.disconnectGrace"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.DispatchLoopDelay, s.DispatchLoopDelay, "scheduler.dispatchLoopDelay"); err != nil {
		return err
	}
	if s.PersonaMaxRetries != nil {
		cfg.Scheduler.PersonaMaxRetries = *s.PersonaMaxRetries
	}
	if err := setDuration(&cfg.Scheduler.PersonaBaseDelay, s.PersonaBaseDelay, "scheduler.personaBaseDelay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.PersonaMaxBackoff, s.PersonaMaxBackoff, "scheduler.personaMaxBackoff"); err != nil {
		return err
	}

	d := f.Domain
	if d.GlobalMaxSessions != nil {
		cfg.Domain.GlobalMaxSessions = *d.GlobalMaxSessions
	}
	if d.ConcurrencyPerDrone != nil {
		cfg.Domain.ConcurrencyPerDrone = *d.ConcurrencyPerDrone
	}
	if d.QPSPerDrone != nil {
		cfg.Domain.QPSPerDrone = *d.QPSPerDrone
	}
	if d.BurstLimit != nil {
		cfg.Domain.BurstLimit = *d.BurstLimit
	}
	if err := setDuration(&cfg.Domain.Cooldown, d.Cooldown, "domain.cooldown"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Domain.StateTTL, d.StateTTL, "domain.stateTtl"); err != nil {
		return err
	}

	iv := f.Intervention
	if iv.Screenshot != nil {
		cfg.Intervention.Screenshot = *iv.Screenshot
	}
	if err := setDuration(&cfg.Intervention.WindowTTL, iv.WindowTTL, "intervention.windowTtl"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Intervention.StepTTL, iv.StepTTL, "intervention.stepTtl"); err != nil {
		return err
	}

	if f.Persona.RedisAddr != "" {
		cfg.Persona.RedisAddr = f.Persona.RedisAddr
	}
	if f.Persona.RedisDB != nil {
		cfg.Persona.RedisDB = *f.Persona.RedisDB
	}

	tr := f.Trace
	if tr.Enabled != nil {
		cfg.Trace.Enabled = *tr.Enabled
	}
	if tr.Exporter != "" {
		cfg.Trace.Exporter = tr.Exporter
	}
	if tr.Endpoint != "" {
		cfg.Trace.Endpoint = tr.Endpoint
	}
	if tr.SampleRate != nil {
		cfg.Trace.SampleRate = *tr.SampleRate
	}
	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// mergeEnvConfig overrides cfg with set environment variables. Passing the
// current value as the default makes ENV the highest-precedence source.
func (l *Loader) mergeEnvConfig(cfg *Config) {
	cfg.Listen = l.envString("HIVE_LISTEN", cfg.Listen)
	cfg.APIKey = l.envString("HIVE_API_KEY", cfg.APIKey)
	cfg.LogLevel = l.envString("HIVE_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = l.envString("HIVE_DATA_DIR", cfg.DataDir)
	cfg.SuffixListPath = l.envString("PUBLIC_SUFFIX_LIST_PATH", cfg.SuffixListPath)

	cfg.Scheduler.ReadyQueueCapacity = l.envInt("HIVE_READY_QUEUE_CAPACITY", cfg.Scheduler.ReadyQueueCapacity)
	cfg.Scheduler.DroneQueueCapacity = l.envInt("HIVE_DRONE_QUEUE_CAPACITY", cfg.Scheduler.DroneQueueCapacity)
	cfg.Scheduler.MaxInFlightPerDrone = l.envInt("HIVE_MAX_INFLIGHT_PER_DRONE", cfg.Scheduler.MaxInFlightPerDrone)
	cfg.Scheduler.AckTimeout = l.envDuration("HIVE_ACK_TIMEOUT", cfg.Scheduler.AckTimeout)
	cfg.Scheduler.HeartbeatExpect = l.envDuration("HIVE_HEARTBEAT_EXPECT", cfg.Scheduler.HeartbeatExpect)
	cfg.Scheduler.DisconnectGrace = l.envDuration("HIVE_DISCONNECT_GRACE", cfg.Scheduler.DisconnectGrace)
	cfg.Scheduler.DispatchLoopDelay = l.envDuration("HIVE_DISPATCH_LOOP_DELAY", cfg.Scheduler.DispatchLoopDelay)
	cfg.Scheduler.PersonaMaxRetries = l.envInt("HIVE_PERSONA_MAX_RETRIES", cfg.Scheduler.PersonaMaxRetries)
	cfg.Scheduler.PersonaBaseDelay = l.envDuration("HIVE_PERSONA_BASE_DELAY", cfg.Scheduler.PersonaBaseDelay)
	cfg.Scheduler.PersonaMaxBackoff = l.envDuration("HIVE_PERSONA_MAX_BACKOFF", cfg.Scheduler.PersonaMaxBackoff)

	cfg.Domain.GlobalMaxSessions = l.envInt("HIVE_GLOBAL_MAX_SESSIONS", cfg.Domain.GlobalMaxSessions)
	cfg.Domain.ConcurrencyPerDrone = l.envInt("HIVE_DOMAIN_CONCURRENCY_PER_DRONE", cfg.Domain.ConcurrencyPerDrone)
	cfg.Domain.QPSPerDrone = l.envFloat("HIVE_DOMAIN_QPS_PER_DRONE", cfg.Domain.QPSPerDrone)
	cfg.Domain.BurstLimit = l.envInt("HIVE_DOMAIN_BURST_LIMIT", cfg.Domain.BurstLimit)
	cfg.Domain.Cooldown = l.envDuration("HIVE_DOMAIN_COOLDOWN", cfg.Domain.Cooldown)
	cfg.Domain.StateTTL = l.envDuration("HIVE_DOMAIN_STATE_TTL", cfg.Domain.StateTTL)

	cfg.Intervention.Screenshot = l.envBool("HIVE_INTERVENTION_SCREENSHOT", cfg.Intervention.Screenshot)
	cfg.Intervention.WindowTTL = l.envDuration("HIVE_INTERVENTION_WINDOW_TTL", cfg.Intervention.WindowTTL)
	cfg.Intervention.StepTTL = l.envDuration("HIVE_INTERVENTION_STEP_TTL", cfg.Intervention.StepTTL)

	cfg.Persona.RedisAddr = l.envString("HIVE_REDIS_ADDR", cfg.Persona.RedisAddr)
	cfg.Persona.RedisDB = l.envInt("HIVE_REDIS_DB", cfg.Persona.RedisDB)

	cfg.Trace.Enabled = l.envBool("HIVE_TRACE_ENABLED", cfg.Trace.Enabled)
	cfg.Trace.Exporter = l.envString("HIVE_TRACE_EXPORTER", cfg.Trace.Exporter)
	cfg.Trace.Endpoint = l.envString("HIVE_TRACE_ENDPOINT", cfg.Trace.Endpoint)
	cfg.Trace.SampleRate = l.envFloat("HIVE_TRACE_SAMPLE_RATE", cfg.Trace.SampleRate)
}
