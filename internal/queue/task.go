// SPDX-License-Identifier: MIT

// Package queue provides the bounded intake buffers of the dispatch pipeline:
// the priority-ordered ready queue and the per-drone FIFO queues.
package queue

import (
	"time"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// Priority orders tasks in the ready queue. Higher dispatches first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the lowercase label used in logs and the API.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps an API label onto a Priority; unknown labels are Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Task is one unit of browser-automation work awaiting dispatch. All fields
// except EnqueuedAt, Priority and PersonaRetryCount are immutable after
// submission.
type Task struct {
	CommandID            string
	Type                 string
	PersonaID            string
	RequiredCapabilities []string
	Domain               string // registrable domain, empty when unconstrained
	Parameters           params.Map
	Session              *proto.SessionRef
	TimeoutSec           int
	Priority             Priority
	EnqueuedAt           time.Time
	PersonaRetryCount    int
}
