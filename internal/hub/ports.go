// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// ErrNoDroneBound is returned by the browser ports before an intervention
// binds a target drone.
var ErrNoDroneBound = errors.New("no drone bound")

// target holds the drone the browser ports currently talk to. At most one
// intervention is active, so a single slot suffices.
type target struct {
	mu      sync.Mutex
	droneID string
}

func (t *target) set(droneID string) {
	t.mu.Lock()
	t.droneID = droneID
	t.mu.Unlock()
}

func (t *target) get() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.droneID == "" {
		return "", ErrNoDroneBound
	}
	return t.droneID, nil
}

// BindDrone points the intervention browser ports at a drone.
func (h *Hub) BindDrone(droneID string) {
	h.portTarget.set(droneID)
}

// Controller returns the bus-backed browser controller for the intervention
// manager.
func (h *Hub) Controller() *BusController { return &BusController{hub: h} }

// Executor returns the bus-backed command executor for the intervention
// manager.
func (h *Hub) Executor() *BusExecutor { return &BusExecutor{hub: h} }

// BusController answers browser-state questions by querying the bound drone
// over the bus.
type BusController struct {
	hub *Hub
}

func (c *BusController) Screenshot(ctx context.Context) (string, error) {
	droneID, err := c.hub.portTarget.get()
	if err != nil {
		return "", err
	}
	v, err := c.hub.Query(ctx, droneID, "screenshot", nil)
	if err != nil {
		return "", err
	}
	s, _ := v.AsString()
	return s, nil
}

func (c *BusController) CurrentURL(ctx context.Context) (string, error) {
	droneID, err := c.hub.portTarget.get()
	if err != nil {
		return "", err
	}
	v, err := c.hub.Query(ctx, droneID, "currentUrl", nil)
	if err != nil {
		return "", err
	}
	s, _ := v.AsString()
	return s, nil
}

func (c *BusController) DOMContext(ctx context.Context) (params.Map, error) {
	droneID, err := c.hub.portTarget.get()
	if err != nil {
		return nil, err
	}
	v, err := c.hub.Query(ctx, droneID, "domContext", nil)
	if err != nil {
		return nil, err
	}
	return v.Fields(), nil
}

func (c *BusController) SetInteractive(ctx context.Context, enabled bool) error {
	droneID, err := c.hub.portTarget.get()
	if err != nil {
		return err
	}
	_, err = c.hub.Query(ctx, droneID, "setInteractive", params.Map{
		"enabled": params.Bool(enabled),
	})
	return err
}

// BusExecutor runs a command on the bound drone and waits for its report.
type BusExecutor struct {
	hub *Hub
}

func (e *BusExecutor) Execute(ctx context.Context, cmd *proto.CommandPayload) (params.Value, error) {
	droneID, err := e.hub.portTarget.get()
	if err != nil {
		return params.Null(), err
	}
	return e.hub.Execute(ctx, droneID, cmd)
}
