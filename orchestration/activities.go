package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/breaker"
	"github.com/veplatform/control-plane/decision"
	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/publish"
	"github.com/veplatform/control-plane/store"
)

type (
	// Decider produces the delegation decision for an agent.
	Decider interface {
		Decide(ctx context.Context, in decision.DecideInput) decision.Decision
	}

	// RoutingAnalyzer picks the initial agent for a task.
	RoutingAnalyzer interface {
		Analyze(ctx context.Context, customerID, taskDescription string, taskContext map[string]any) decision.Routing
	}

	// PlanDrafter generates the execution plan for a task.
	PlanDrafter interface {
		Draft(ctx context.Context, customerID, taskID, taskDescription, agentType string, taskContext map[string]any) (decision.PlanDraft, error)
	}

	// Invoker invokes an agent through the gateway.
	Invoker interface {
		Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error)
	}

	// Activities holds the dependencies of every workflow activity. One
	// instance is built at startup and registered on the worker.
	Activities struct {
		Store     store.TaskStore
		Gateway   Invoker
		Publisher publish.Publisher
		Decider   Decider
		Router    RoutingAnalyzer
		Planner   PlanDrafter
		Breaker   *breaker.Breaker
	}
)

// UpdateTaskStatus writes the task's status, phase, assignment, and progress
// metadata, then mirrors the transition onto the tenant's real-time channel.
// Publish failures are logged and swallowed.
func (a *Activities) UpdateTaskStatus(ctx context.Context, in UpdateTaskStatusInput) (UpdateTaskStatusResult, error) {
	task, err := a.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return UpdateTaskStatusResult{}, fmt.Errorf("task %s: %w", in.TaskID, err)
	}

	upd := store.TaskUpdate{Metadata: map[string]any{}}
	if in.Status != "" {
		status := store.TaskStatus(in.Status)
		upd.Status = &status
	}
	if in.Phase != "" {
		upd.Phase = &in.Phase
	}
	if in.ProgressMessage != "" {
		upd.Metadata["last_progress_message"] = in.ProgressMessage
		upd.Metadata["last_progress_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	for k, v := range in.Metadata {
		upd.Metadata[k] = v
	}

	var assignedVE string
	if in.AgentType != "" {
		agents, err := a.Store.ListHiredAgents(ctx, task.CustomerID)
		if err == nil {
			for _, agent := range agents {
				if agent.AgentType == in.AgentType {
					assignedVE = agent.ID
					upd.AssignedTo = &assignedVE
					break
				}
			}
		}
	}

	if _, err := a.Store.UpdateTask(ctx, in.TaskID, upd); err != nil {
		return UpdateTaskStatusResult{}, fmt.Errorf("update task %s: %w", in.TaskID, err)
	}

	payload := publish.TaskUpdate{
		Type:            "task_update",
		TaskID:          in.TaskID,
		Status:          in.Status,
		AssignedTo:      in.AgentType,
		ProgressMessage: in.ProgressMessage,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := a.Publisher.Publish(ctx, publish.TaskChannel(task.CustomerID), payload); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "real-time publish failed"},
			log.KV{K: "task_id", V: in.TaskID},
			log.KV{K: "err", V: err.Error()},
		)
	}

	log.Info(ctx,
		log.KV{K: "msg", V: "task updated"},
		log.KV{K: "task_id", V: in.TaskID},
		log.KV{K: "status", V: in.Status},
		log.KV{K: "assigned_to", V: in.AgentType},
	)
	return UpdateTaskStatusResult{TaskID: in.TaskID, Status: in.Status, AssignedVEID: assignedVE}, nil
}

// GetCustomerVEs returns the tenant's hired agents.
func (a *Activities) GetCustomerVEs(ctx context.Context, in GetCustomerVEsInput) ([]store.HiredAgent, error) {
	return a.Store.ListHiredAgents(ctx, in.CustomerID)
}

// AnalyzeRouting picks the initial agent. The router's internal fallback
// guarantees a result, so this activity only fails on programmer error.
func (a *Activities) AnalyzeRouting(ctx context.Context, in AnalyzeRoutingInput) (decision.Routing, error) {
	if a.Router == nil {
		return decision.Routing{}, errors.New("router is not configured")
	}
	return a.Router.Analyze(ctx, in.CustomerID, in.TaskDescription, in.Context), nil
}

// DecideDelegation asks the current agent for its delegation decision. The
// decider falls back internally, so the returned decision is always valid.
func (a *Activities) DecideDelegation(ctx context.Context, in DecideDelegationInput) (decision.Decision, error) {
	if a.Decider == nil {
		return decision.Decision{}, errors.New("decider is not configured")
	}
	customerID, _ := in.Context["customer_id"].(string)
	agents, err := a.Store.ListHiredAgents(ctx, customerID)
	if err != nil {
		return decision.Decision{}, fmt.Errorf("list hired agents: %w", err)
	}
	return a.Decider.Decide(ctx, decision.DecideInput{
		AgentType:       in.AgentType,
		TaskDescription: in.TaskDescription,
		Context:         in.Context,
		AvailableAgents: agents,
	}), nil
}

// InvokeAgent calls the agent through the gateway. A transport-level failure
// surfaces as an activity error so the workflow retry policy and escalation
// logic apply; a blocked (redacted) response is returned as data.
func (a *Activities) InvokeAgent(ctx context.Context, in InvokeAgentInput) (gateway.Response, error) {
	resp, err := a.Gateway.Invoke(ctx, gateway.Request{
		CustomerID: in.CustomerID,
		AgentType:  in.AgentType,
		Message:    in.Message,
		SessionID:  in.SessionID,
	})
	if err != nil {
		return gateway.Response{}, err
	}
	if resp.Failed {
		return gateway.Response{}, fmt.Errorf("agent %s unavailable through gateway", in.AgentType)
	}
	return resp, nil
}

// SaveTaskResult appends the agent output as a comment and applies the
// terminal status.
func (a *Activities) SaveTaskResult(ctx context.Context, in SaveTaskResultInput) (SaveTaskResultOutput, error) {
	task, err := a.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return SaveTaskResultOutput{}, fmt.Errorf("task %s: %w", in.TaskID, err)
	}

	author := in.AuthorType
	if author == "" {
		author = store.AuthorSystem
	}
	if in.Message != "" {
		if err := a.Store.AppendComment(ctx, store.Comment{
			TaskID:     in.TaskID,
			CustomerID: task.CustomerID,
			AuthorType: author,
			Content:    in.Message,
		}); err != nil {
			return SaveTaskResultOutput{}, fmt.Errorf("append comment: %w", err)
		}
	}

	phase := ""
	if store.TaskStatus(in.Status).Terminal() {
		phase = "completed"
	}
	if _, err := a.UpdateTaskStatus(ctx, UpdateTaskStatusInput{
		TaskID: in.TaskID,
		Status: in.Status,
		Phase:  phase,
	}); err != nil {
		return SaveTaskResultOutput{}, err
	}
	return SaveTaskResultOutput{Success: true}, nil
}

// CreateTaskPlan drafts the execution plan, persists it, links it from the
// task metadata, and records the summary comment shown to the user.
func (a *Activities) CreateTaskPlan(ctx context.Context, in CreateTaskPlanInput) (CreateTaskPlanResult, error) {
	if a.Planner == nil {
		return CreateTaskPlanResult{}, errors.New("planner is not configured")
	}
	task, err := a.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return CreateTaskPlanResult{}, fmt.Errorf("task %s: %w", in.TaskID, err)
	}

	draft, err := a.Planner.Draft(ctx, task.CustomerID, in.TaskID, in.TaskDescription, in.AgentType, in.Context)
	if err != nil {
		return CreateTaskPlanResult{Success: false, Error: err.Error()}, nil
	}

	plan, err := a.Store.InsertPlan(ctx, store.Plan{
		TaskID:    in.TaskID,
		Steps:     draft.Steps,
		Timeline:  draft.Timeline,
		Resources: draft.Resources,
		Status:    store.PlanDraft,
	})
	if err != nil {
		return CreateTaskPlanResult{Success: false, Error: err.Error()}, nil
	}

	if _, err := a.Store.UpdateTask(ctx, in.TaskID, store.TaskUpdate{
		Phase: ptr("planning"),
		Metadata: map[string]any{
			"latest_plan_id":        plan.ID,
			"last_progress_message": "Drafted execution plan: " + draft.InitialThought,
		},
	}); err != nil {
		return CreateTaskPlanResult{Success: false, Error: err.Error()}, nil
	}

	if err := a.Store.AppendComment(ctx, store.Comment{
		TaskID:     in.TaskID,
		CustomerID: task.CustomerID,
		AuthorType: store.AuthorSystem,
		Content:    "Execution plan drafted: " + draft.InitialThought,
	}); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "plan comment failed"}, log.KV{K: "err", V: err.Error()})
	}

	return CreateTaskPlanResult{Success: true, PlanID: plan.ID, Summary: draft.InitialThought}, nil
}

// CheckBreaker consults the delegation circuit breaker. Rejections come back
// as data, not errors: a rejected delegation is never retried.
func (a *Activities) CheckBreaker(ctx context.Context, in CheckBreakerInput) (CheckBreakerResult, error) {
	if a.Breaker == nil {
		return CheckBreakerResult{Allowed: true}, nil
	}
	if err := a.Breaker.CheckAndRecord(in.WorkflowID, in.CustomerID, in.AgentType, in.Depth); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "delegation rejected"},
			log.KV{K: "customer_id", V: in.CustomerID},
			log.KV{K: "agent_type", V: in.AgentType},
			log.KV{K: "reason", V: err.Error()},
		)
		return CheckBreakerResult{Allowed: false, Reason: err.Error()}, nil
	}
	return CheckBreakerResult{Allowed: true}, nil
}

func ptr[T any](v T) *T { return &v }
