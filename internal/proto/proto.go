// SPDX-License-Identifier: MIT

// Package proto defines the wire payloads exchanged between the orchestrator
// and its drone fleet over the group message bus. Payloads are JSON; the
// Envelope carries a kind discriminator plus the raw body so subscribers can
// route before decoding.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivemesh/hive/internal/params"
)

// Kind discriminates envelope payload types on the bus.
type Kind string

const (
	// Orchestrator → drone.
	KindExecuteCommand Kind = "ExecuteCommand"
	KindExecuteQuery   Kind = "ExecuteQuery"

	// Drone → orchestrator.
	KindRegisterDrone       Kind = "RegisterDrone"
	KindAcknowledgeCommand  Kind = "AcknowledgeCommand"
	KindReportResult        Kind = "ReportResult"
	KindReportError         Kind = "ReportError"
	KindReportStatus        Kind = "ReportStatus"
	KindRequireIntervention Kind = "RequireIntervention"
	KindQueryResponse       Kind = "QueryResponse"

	// Orchestrator → operators.
	KindOperatorIntervention  Kind = "RequireInterventionNotice"
	KindInterventionRequested Kind = "InterventionRequested"
)

// OperatorsGroup is the bus group operator consoles subscribe to.
const OperatorsGroup = "operators"

// HubGroup is the bus group the orchestrator listens on for drone traffic.
const HubGroup = "hub"

// DroneGroup returns the bus group a drone subscribes to for its commands.
func DroneGroup(droneID string) string {
	return "drone_" + droneID
}

// Envelope is the framed unit on the bus.
type Envelope struct {
	Kind         Kind            `json:"kind"`
	ConnectionID string          `json:"connectionId,omitempty"`
	APIKey       string          `json:"apiKey,omitempty"`
	Body         json.RawMessage `json:"body"`
}

// NewEnvelope frames a payload under the given kind.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Body: body}, nil
}

// Decode unmarshals the envelope body into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Body, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// SessionRef identifies the browser session a command runs under.
type SessionRef struct {
	LeaseID  string `json:"leaseId,omitempty"`
	Site     string `json:"site,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// CommandPayload instructs a drone to execute one browser-automation command.
type CommandPayload struct {
	CommandID  string      `json:"commandId"`
	Type       string      `json:"type"`
	Parameters params.Map  `json:"parameters,omitempty"`
	Persona    params.Map  `json:"persona,omitempty"`
	Session    *SessionRef `json:"session,omitempty"`
	TimeoutSec int         `json:"timeoutSec,omitempty"`
}

// Clone returns a deep copy with an independent parameter tree.
func (c *CommandPayload) Clone() *CommandPayload {
	if c == nil {
		return nil
	}
	out := &CommandPayload{
		CommandID:  c.CommandID,
		Type:       c.Type,
		Parameters: params.CloneMap(c.Parameters),
		Persona:    params.CloneMap(c.Persona),
		TimeoutSec: c.TimeoutSec,
	}
	if c.Session != nil {
		s := *c.Session
		out.Session = &s
	}
	return out
}

// QueryPayload asks a drone a side-effect-free question (current URL, DOM
// snapshot, screenshot) outside the command lifecycle.
type QueryPayload struct {
	QueryID    string     `json:"queryId"`
	Type       string     `json:"type"`
	Parameters params.Map `json:"parameters,omitempty"`
}

// DroneRegistration announces a drone joining the fleet.
type DroneRegistration struct {
	DroneID      string   `json:"droneId"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AckPayload acknowledges receipt of a dispatched command.
type AckPayload struct {
	CommandID string `json:"commandId"`
	DroneID   string `json:"droneId"`
}

// Artifact is one unit of output a drone produced while running a command.
type Artifact struct {
	Type     string       `json:"type"`
	Data     params.Value `json:"data"`
	Metadata params.Map   `json:"metadata,omitempty"`
}

// ResultPayload reports successful command completion.
type ResultPayload struct {
	CommandID      string       `json:"commandId"`
	DroneID        string       `json:"droneId"`
	Result         params.Value `json:"result,omitempty"`
	Artifacts      []Artifact   `json:"artifacts,omitempty"`
	SessionLeaseID string       `json:"sessionLeaseId,omitempty"`
	SessionState   params.Map   `json:"sessionState,omitempty"`
}

// ErrorPayload reports command failure.
type ErrorPayload struct {
	CommandID string `json:"commandId"`
	DroneID   string `json:"droneId"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	CanRetry  bool   `json:"canRetry,omitempty"`
}

// StatusPayload is a periodic drone heartbeat with load detail.
type StatusPayload struct {
	DroneID        string  `json:"droneId"`
	Status         string  `json:"status"`
	CurrentCommand string  `json:"currentCommand,omitempty"`
	Progress       float64 `json:"progress,omitempty"`
	MemoryUsage    float64 `json:"memoryUsage,omitempty"`
	CPUUsage       float64 `json:"cpuUsage,omitempty"`
}

// InterventionPayload signals that a drone hit a condition a human must
// resolve before the command can continue.
type InterventionPayload struct {
	CommandID   string     `json:"commandId"`
	DroneID     string     `json:"droneId"`
	Type        string     `json:"type"`
	Data        params.Map `json:"data,omitempty"`
	ResumeToken string     `json:"resumeToken,omitempty"`
}

// QueryResponsePayload answers an ExecuteQuery.
type QueryResponsePayload struct {
	QueryID string       `json:"queryId"`
	DroneID string       `json:"droneId"`
	Result  params.Value `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// OperatorNotice is broadcast to the operators group when an intervention
// opens.
type OperatorNotice struct {
	CommandID      string     `json:"commandId"`
	DroneID        string     `json:"droneId"`
	Type           string     `json:"type"`
	Reason         string     `json:"reason"`
	RequestedAtUTC time.Time  `json:"requestedAtUtc"`
	Metadata       params.Map `json:"metadata,omitempty"`
}
