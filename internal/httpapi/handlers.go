// SPDX-License-Identifier: MIT

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/scheduler"
)

// TaskSubmitter accepts validated tasks into the dispatch pipeline.
type TaskSubmitter interface {
	Submit(ctx context.Context, task *queue.Task) error
}

// taskRequest is the submission body for POST /api/v1/tasks.
type taskRequest struct {
	CommandID            string            `json:"commandId,omitempty"`
	Type                 string            `json:"type"`
	PersonaID            string            `json:"personaId"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	Domain               string            `json:"domain,omitempty"`
	Parameters           params.Map        `json:"parameters,omitempty"`
	Session              *proto.SessionRef `json:"session,omitempty"`
	TimeoutSec           int               `json:"timeoutSec,omitempty"`
	Priority             string            `json:"priority,omitempty"`
}

type taskResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}

	task := &queue.Task{
		CommandID:            req.CommandID,
		Type:                 req.Type,
		PersonaID:            req.PersonaID,
		RequiredCapabilities: req.RequiredCapabilities,
		Domain:               req.Domain,
		Parameters:           req.Parameters,
		Session:              req.Session,
		TimeoutSec:           req.TimeoutSec,
		Priority:             queue.ParsePriority(req.Priority),
	}
	if err := s.tasks.Submit(r.Context(), task); err != nil {
		if errors.Is(err, scheduler.ErrInvalidTask) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger := log.WithComponent("httpapi")
		logger.Error().Err(err).
			Str(log.FieldCommandID, task.CommandID).
			Msg("task submission failed")
		respondError(w, http.StatusServiceUnavailable, "submission failed")
		return
	}
	respondJSON(w, http.StatusAccepted, taskResponse{CommandID: task.CommandID, Status: "queued"})
}

// droneView is the wire shape of one fleet entry.
type droneView struct {
	DroneID        string    `json:"droneId"`
	Version        string    `json:"version,omitempty"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	Status         string    `json:"status"`
	CurrentCommand string    `json:"currentCommand,omitempty"`
	CurrentLoad    int       `json:"currentLoad"`
	ErrorCount     int       `json:"errorCount"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	out := make([]droneView, 0, len(infos))
	for _, info := range infos {
		out = append(out, droneView{
			DroneID:        info.DroneID,
			Version:        info.Version,
			Capabilities:   info.StaticCapabilities,
			Status:         string(info.Status),
			CurrentCommand: info.CurrentCommand,
			CurrentLoad:    info.CurrentLoad,
			ErrorCount:     info.ErrorCount,
			LastHeartbeat:  info.LastHeartbeat,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"drones": out})
}

// interventionView is the wire shape of the active session.
type interventionView struct {
	CommandID       string    `json:"commandId"`
	ParentCommandID string    `json:"parentCommandId"`
	DroneID         string    `json:"droneId"`
	Reason          string    `json:"reason"`
	StartedAt       time.Time `json:"startedAt"`
	URL             string    `json:"url,omitempty"`
	ScreenshotPath  string    `json:"screenshotPath,omitempty"`
	Steps           int       `json:"steps"`
}

func (s *Server) handleCurrentIntervention(w http.ResponseWriter, r *http.Request) {
	ic := s.interventions.Current()
	if ic == nil {
		respondError(w, http.StatusNotFound, "no active intervention")
		return
	}
	respondJSON(w, http.StatusOK, interventionView{
		CommandID:       ic.CommandID,
		ParentCommandID: ic.ParentCommandID,
		DroneID:         ic.DroneID,
		Reason:          ic.Reason,
		StartedAt:       ic.StartTime,
		URL:             ic.URL,
		ScreenshotPath:  ic.ScreenshotPath,
		Steps:           len(ic.Steps),
	})
}

func (s *Server) handleInterventionStep(w http.ResponseWriter, r *http.Request) {
	var cmd proto.CommandPayload
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	result, err := s.interventions.HandleCommand(r.Context(), &cmd)
	switch {
	case errors.Is(err, intervention.ErrNotActive):
		respondError(w, http.StatusNotFound, "no active intervention")
	case errors.Is(err, intervention.ErrInvalidCommand):
		respondError(w, http.StatusUnprocessableEntity, intervention.ErrInvalidCommand.Error())
	case err != nil:
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// resumeRequest optionally overrides the replayed action.
type resumeRequest struct {
	ActionOverride *proto.CommandPayload `json:"actionOverride,omitempty"`
}

func (s *Server) handleInterventionResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "malformed json body")
			return
		}
	}
	res, err := s.interventions.Resume(r.Context(), &intervention.ResumeOptions{
		ActionOverride: req.ActionOverride,
	})
	if errors.Is(err, intervention.ErrNotActive) {
		respondError(w, http.StatusNotFound, "no active intervention")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"resumed":         res.Resumed,
		"parentCommandId": res.ParentCommandID,
		"durationMs":      res.Duration.Milliseconds(),
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponent("httpapi")
		logger.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
