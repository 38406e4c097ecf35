package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gantrydev/gantry/pkg/runner/protocol"
)

// ServiceHandler handles systemd service operations.
type ServiceHandler struct{}

// Handle drives a service to the requested state. Start and stop are
// idempotent; restart always acts.
func (h *ServiceHandler) Handle(ctx context.Context, params *protocol.ServiceParams, eventCh chan<- *protocol.EventMessage) (*protocol.ServiceResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	// A custom start command bypasses systemctl entirely
	if params.Command != "" && params.State == "started" {
		return h.startWithCommand(ctx, params)
	}

	beforeStatus, _, err := h.getServiceStatus(ctx, params.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}

	result := &protocol.ServiceResult{}

	switch params.State {
	case "started":
		if beforeStatus == "active" {
			result.Changed = false
			result.Action = "already_started"
		} else {
			if err := h.systemctl(ctx, "start", params.Name); err != nil {
				return nil, err
			}
			result.Action = "started"
			result.Changed = true
		}

	case "stopped":
		if beforeStatus == "inactive" {
			result.Changed = false
			result.Action = "already_stopped"
		} else {
			if err := h.systemctl(ctx, "stop", params.Name); err != nil {
				return nil, err
			}
			result.Action = "stopped"
			result.Changed = true
		}

	case "restarted":
		if err := h.systemctl(ctx, "restart", params.Name); err != nil {
			return nil, err
		}
		result.Action = "restarted"
		result.Changed = true

	default:
		return nil, fmt.Errorf("invalid service state: %s", params.State)
	}

	afterStatus, afterSubState, err := h.getServiceStatus(ctx, params.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get service status after action: %w", err)
	}

	result.Status = afterStatus
	result.SubState = afterSubState

	return result, nil
}

// startWithCommand runs the service's declared start command through the
// shell instead of systemctl.
func (h *ServiceHandler) startWithCommand(ctx context.Context, params *protocol.ServiceParams) (*protocol.ServiceResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", params.Command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w (stderr: %s)", params.Name, err, stderr.String())
	}

	return &protocol.ServiceResult{
		Changed: true,
		Action:  "started",
		Status:  "active",
	}, nil
}

func (h *ServiceHandler) getServiceStatus(ctx context.Context, name string) (string, string, error) {
	// is-active exits non-zero for inactive units; the output still tells
	// us what we need
	statusCmd := exec.CommandContext(ctx, "systemctl", "is-active", name)
	statusOut, _ := statusCmd.Output()
	status := strings.TrimSpace(string(statusOut))

	showCmd := exec.CommandContext(ctx, "systemctl", "show", name, "--property=SubState", "--value")
	showOut, _ := showCmd.Output()
	subState := strings.TrimSpace(string(showOut))

	return status, subState, nil
}

func (h *ServiceHandler) systemctl(ctx context.Context, action, name string) error {
	cmd := exec.CommandContext(ctx, "systemctl", action, name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to %s service %s: %w (stderr: %s)", action, name, err, stderr.String())
	}
	return nil
}
