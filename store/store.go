// Package store defines the persistence contracts for tasks, plans, comments,
// and hired agents, plus the shared record types. Implementations live in
// sub-packages (mongo, inmem). Every operation is tenant-filtered: records
// carry the owning customer id and lookups never cross it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a lookup that matched no record within the caller's
// tenant scope.
var ErrNotFound = errors.New("record not found")

// TaskStatus enumerates the task lifecycle. Terminal states are Completed,
// Failed, and Cancelled; transitions into them are one-way.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskPlanning        TaskStatus = "planning"
	TaskWaitingForInput TaskStatus = "waiting_for_input"
	TaskInProgress      TaskStatus = "in_progress"
	TaskEscalated       TaskStatus = "escalated"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// PlanStatus enumerates the plan lifecycle.
type PlanStatus string

const (
	PlanDraft    PlanStatus = "draft"
	PlanApproved PlanStatus = "approved"
)

// Comment author types.
const (
	AuthorCustomer = "customer"
	AuthorVE       = "ve"
	AuthorSystem   = "system"
)

// Seniority tiers, most senior first in escalation order.
const (
	SeniorityManager = "manager"
	SenioritySenior  = "senior"
	SeniorityJunior  = "junior"
)

// SeniorityRank orders tiers for escalation: manager before senior before
// junior. Unknown tiers sort last.
func SeniorityRank(tier string) int {
	switch tier {
	case SeniorityManager:
		return 0
	case SenioritySenior:
		return 1
	case SeniorityJunior:
		return 2
	default:
		return 3
	}
}

type (
	// Task is a unit of customer work driven by the orchestrator workflow
	// with id "orchestrator-{ID}".
	Task struct {
		ID          string         `bson:"_id" json:"id"`
		CustomerID  string         `bson:"customer_id" json:"customer_id"`
		Title       string         `bson:"title" json:"title"`
		Description string         `bson:"description" json:"description"`
		AssignedTo  string         `bson:"assigned_to,omitempty" json:"assigned_to,omitempty"`
		Status      TaskStatus     `bson:"status" json:"status"`
		Phase       string         `bson:"phase,omitempty" json:"phase,omitempty"`
		Priority    string         `bson:"priority,omitempty" json:"priority,omitempty"`
		Metadata    map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
		CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
		UpdatedAt   time.Time      `bson:"updated_at" json:"updated_at"`
		CompletedAt *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	}

	// TaskUpdate is a partial task mutation. Nil fields are left untouched;
	// Metadata keys are merged into the existing map.
	TaskUpdate struct {
		Status     *TaskStatus
		Phase      *string
		AssignedTo *string
		Metadata   map[string]any
	}

	// PlanStep is one entry of an execution plan.
	PlanStep struct {
		OutputType  string `bson:"output_type" json:"output_type"`
		Description string `bson:"description" json:"description"`
	}

	// Plan is a drafted execution plan awaiting user approval. At most one
	// non-terminal plan exists per task; the task references the latest via
	// metadata key "latest_plan_id".
	Plan struct {
		ID        string     `bson:"_id" json:"id"`
		TaskID    string     `bson:"task_id" json:"task_id"`
		Steps     []PlanStep `bson:"steps" json:"steps"`
		Timeline  string     `bson:"timeline,omitempty" json:"timeline,omitempty"`
		Resources []string   `bson:"resources,omitempty" json:"resources,omitempty"`
		Status    PlanStatus `bson:"status" json:"status"`
		CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	}

	// Comment is an append-only human or agent output attached to a task.
	Comment struct {
		ID         string    `bson:"_id" json:"id"`
		TaskID     string    `bson:"task_id" json:"task_id"`
		CustomerID string    `bson:"customer_id" json:"customer_id"`
		AuthorType string    `bson:"author_type" json:"author_type"`
		Content    string    `bson:"content" json:"content"`
		CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	}

	// HiredAgent is a tenant's handle onto a marketplace agent. The catalog
	// fields (role, department, seniority) are denormalized onto the record
	// at hire time.
	HiredAgent struct {
		ID          string    `bson:"_id" json:"id"`
		CustomerID  string    `bson:"customer_id" json:"customer_id"`
		AgentType   string    `bson:"agent_type" json:"agent_type"`
		PersonaName string    `bson:"persona_name" json:"persona_name"`
		Status      string    `bson:"status" json:"status"`
		Role        string    `bson:"role,omitempty" json:"role,omitempty"`
		Department  string    `bson:"department,omitempty" json:"department,omitempty"`
		Seniority   string    `bson:"seniority,omitempty" json:"seniority,omitempty"`
		HiredAt     time.Time `bson:"hired_at" json:"hired_at"`
	}

	// MarketplaceAgent is a platform-owned catalog entry. Immutable with
	// respect to any customer.
	MarketplaceAgent struct {
		AgentType  string   `bson:"_id" json:"agent_type"`
		Role       string   `bson:"role" json:"role"`
		Department string   `bson:"department" json:"department"`
		Seniority  string   `bson:"seniority" json:"seniority"`
		Tools      []string `bson:"tools,omitempty" json:"tools,omitempty"`
	}

	// TaskStore is the persistence contract consumed by workflow activities
	// and the HTTP surface.
	TaskStore interface {
		InsertTask(ctx context.Context, t Task) error
		// GetTask returns the task by id regardless of tenant; callers on
		// tenant-facing paths must check CustomerID before acting.
		GetTask(ctx context.Context, id string) (Task, error)
		UpdateTask(ctx context.Context, id string, upd TaskUpdate) (Task, error)
		AppendComment(ctx context.Context, c Comment) error
		ListComments(ctx context.Context, taskID string) ([]Comment, error)
		InsertPlan(ctx context.Context, p Plan) (Plan, error)
		GetPlan(ctx context.Context, id string) (Plan, error)
		SetPlanStatus(ctx context.Context, id string, status PlanStatus) error
		ListHiredAgents(ctx context.Context, customerID string) ([]HiredAgent, error)
		InsertHiredAgent(ctx context.Context, a HiredAgent) error
		DeleteHiredAgent(ctx context.Context, customerID, id string) (HiredAgent, error)
	}

	// Catalog exposes the marketplace agent definitions.
	Catalog interface {
		GetAgent(ctx context.Context, agentType string) (MarketplaceAgent, error)
		ListAgents(ctx context.Context) ([]MarketplaceAgent, error)
	}
)
