// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestValidateProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen address"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "unknown log level"},
		{"zero ready queue", func(c *Config) { c.Scheduler.ReadyQueueCapacity = 0 }, "readyQueueCapacity"},
		{"zero ack timeout", func(c *Config) { c.Scheduler.AckTimeout = 0 }, "ackTimeout"},
		{"negative persona retries", func(c *Config) { c.Scheduler.PersonaMaxRetries = -1 }, "personaMaxRetries"},
		{"zero domain sessions", func(c *Config) { c.Domain.GlobalMaxSessions = 0 }, "globalMaxSessions"},
		{"burst without cooldown", func(c *Config) { c.Domain.BurstLimit = 5; c.Domain.Cooldown = 0 }, "cooldown"},
		{"step ttl exceeds window", func(c *Config) {
			c.Intervention.StepTTL = 2 * c.Intervention.WindowTTL
		}, "stepTtl must not exceed"},
		{"trace exporter", func(c *Config) {
			c.Trace.Enabled = true
			c.Trace.Exporter = "udp"
			c.Trace.Endpoint = "collector:4317"
		}, "trace.exporter"},
		{"trace endpoint", func(c *Config) {
			c.Trace.Enabled = true
			c.Trace.Exporter = "grpc"
		}, "trace.endpoint"},
		{"sample rate range", func(c *Config) { c.Trace.SampleRate = 1.5 }, "sampleRate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Scheduler.AckTimeout = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen address")
	assert.Contains(t, err.Error(), "ackTimeout")
}
