// Package publish fans task state transitions out to the real-time channel
// consumed by the UI. Publishing is best-effort everywhere: a failed publish
// is logged and swallowed, never failing the workflow step that produced it.
package publish

import (
	"context"
	"time"
)

// TaskChannel returns the per-tenant channel task updates are published on.
func TaskChannel(customerID string) string {
	return "customer:" + customerID + ":tasks"
}

type (
	// TaskUpdate is the payload published on every task state transition.
	TaskUpdate struct {
		Type            string    `json:"type"`
		TaskID          string    `json:"task_id"`
		Status          string    `json:"status"`
		AssignedTo      string    `json:"assigned_to_agent_type,omitempty"`
		ProgressMessage string    `json:"progress_message,omitempty"`
		UpdatedAt       time.Time `json:"updated_at"`
	}

	// Publisher delivers payloads to a named channel.
	Publisher interface {
		Publish(ctx context.Context, channel string, payload any) error
	}

	noop struct{}
)

// Noop returns a Publisher that drops everything. Used in tests and when no
// Redis backend is configured.
func Noop() Publisher { return noop{} }

func (noop) Publish(context.Context, string, any) error { return nil }
