package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/store"
)

type (
	// PlanDraft is the parsed output of the planning step before
	// persistence.
	PlanDraft struct {
		Steps          []store.PlanStep `json:"steps"`
		Timeline       string           `json:"timeline"`
		Resources      []string         `json:"resources_needed"`
		InitialThought string           `json:"initial_thought"`
	}

	// Planner asks the assigned agent for a structured execution plan.
	Planner struct {
		invoker Invoker
	}

	planReply struct {
		Plan *PlanDraft `json:"plan"`
		PlanDraft
	}
)

// NewPlanner constructs a Planner.
func NewPlanner(invoker Invoker) *Planner {
	return &Planner{invoker: invoker}
}

// Draft generates a plan for the task via the assigned agent. Unparseable
// responses degrade to a single-step default plan built from the response
// text, matching the behavior users see when an agent answers in prose.
func (p *Planner) Draft(ctx context.Context, customerID, taskID, taskDescription, agentType string, taskContext map[string]any) (PlanDraft, error) {
	if p.invoker == nil {
		return PlanDraft{}, fmt.Errorf("no invoker configured")
	}
	ctxJSON, _ := json.Marshal(taskContext)
	resp, err := p.invoker.Invoke(ctx, gateway.Request{
		CustomerID: customerID,
		AgentType:  agentType,
		Message: fmt.Sprintf(`Please create a detailed execution plan for this task.
Task: %s
Context: %s

Return JSON with a 'plan' object containing:
- steps: list of {"output_type", "description"}
- timeline: string
- resources_needed: list of strings
- initial_thought: string`, taskDescription, ctxJSON),
		SessionID: "plan-" + taskID,
	})
	if err != nil {
		return PlanDraft{}, fmt.Errorf("invoke planning agent: %w", err)
	}

	draft, ok := parsePlan(resp.Message)
	if !ok {
		log.Warn(ctx,
			log.KV{K: "msg", V: "plan response not structured, using default plan"},
			log.KV{K: "task_id", V: taskID},
		)
		thought := resp.Message
		if len(thought) > 200 {
			thought = thought[:200]
		}
		draft = PlanDraft{
			InitialThought: thought,
			Steps:          []store.PlanStep{{OutputType: "text", Description: "Execute task based on user request"}},
			Timeline:       "unknown",
		}
	}
	if draft.Timeline == "" {
		draft.Timeline = "1 hour"
	}
	if draft.InitialThought == "" {
		draft.InitialThought = "Plan ready for review"
	}
	return draft, nil
}

func parsePlan(content string) (PlanDraft, bool) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return PlanDraft{}, false
	}
	var reply planReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return PlanDraft{}, false
	}
	draft := reply.PlanDraft
	if reply.Plan != nil {
		draft = *reply.Plan
	}
	if len(draft.Steps) == 0 {
		return PlanDraft{}, false
	}
	return draft, true
}
