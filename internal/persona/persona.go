// SPDX-License-Identifier: MIT

// Package persona resolves the behavioural profiles tasks execute under.
package persona

import (
	"context"
	"errors"

	"github.com/hivemesh/hive/internal/params"
)

// ErrNotFound is returned when no persona exists for the id. The scheduler
// treats it as a soft failure and applies the persona-missing backoff.
var ErrNotFound = errors.New("persona not found")

// Persona is an opaque behavioural profile. Traits drive intervention rules;
// Payload travels to the drone untouched.
type Persona struct {
	ID      string     `json:"id"`
	Traits  params.Map `json:"traits,omitempty"`
	Payload params.Map `json:"payload,omitempty"`
}

// Store resolves personas by id.
type Store interface {
	Get(ctx context.Context, id string) (*Persona, error)
}

// Pinger is implemented by stores with a remote backend, for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
