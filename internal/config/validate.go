// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {}, "fatal": {}, "panic": {},
}

// Validate rejects configurations that would wedge the pipeline at runtime:
// non-positive queue capacities, zero pacing permits, inverted backoff bounds.
func Validate(cfg Config) error {
	var problems []string

	if cfg.Listen == "" {
		problems = append(problems, "listen address must not be empty")
	}
	if _, ok := validLogLevels[strings.ToLower(cfg.LogLevel)]; cfg.LogLevel != "" && !ok {
		problems = append(problems, fmt.Sprintf("unknown log level %q", cfg.LogLevel))
	}

	s := cfg.Scheduler
	if s.ReadyQueueCapacity <= 0 {
		problems = append(problems, "scheduler.readyQueueCapacity must be > 0")
	}
	if s.DroneQueueCapacity <= 0 {
		problems = append(problems, "scheduler.droneQueueCapacity must be > 0")
	}
	if s.MaxInFlightPerDrone <= 0 {
		problems = append(problems, "scheduler.maxInFlightPerDrone must be > 0")
	}
	if s.AckTimeout <= 0 {
		problems = append(problems, "scheduler.ackTimeout must be > 0")
	}
	if s.PersonaMaxRetries < 0 {
		problems = append(problems, "scheduler.personaMaxRetries must be >= 0")
	}

	d := cfg.Domain
	if d.GlobalMaxSessions <= 0 {
		problems = append(problems, "domain.globalMaxSessions must be > 0")
	}
	if d.ConcurrencyPerDrone <= 0 {
		problems = append(problems, "domain.concurrencyPerDrone must be > 0")
	}
	if d.QPSPerDrone <= 0 {
		problems = append(problems, "domain.qpsPerDrone must be > 0")
	}
	if d.BurstLimit < 0 {
		problems = append(problems, "domain.burstLimit must be >= 0")
	}
	if d.BurstLimit > 0 && d.Cooldown <= 0 {
		problems = append(problems, "domain.cooldown must be > 0 when burstLimit is set")
	}
	if d.StateTTL <= 0 {
		problems = append(problems, "domain.stateTtl must be > 0")
	}

	iv := cfg.Intervention
	if iv.WindowTTL <= 0 {
		problems = append(problems, "intervention.windowTtl must be > 0")
	}
	if iv.StepTTL <= 0 {
		problems = append(problems, "intervention.stepTtl must be > 0")
	}
	if iv.StepTTL > iv.WindowTTL {
		problems = append(problems, "intervention.stepTtl must not exceed windowTtl")
	}

	t := cfg.Trace
	if t.Enabled {
		if t.Exporter != "grpc" && t.Exporter != "http" {
			problems = append(problems, fmt.Sprintf("trace.exporter must be grpc or http, got %q", t.Exporter))
		}
		if t.Endpoint == "" {
			problems = append(problems, "trace.endpoint must not be empty when tracing is enabled")
		}
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		problems = append(problems, "trace.sampleRate must be within [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
