package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/veplatform/control-plane/store"
)

type (
	// TaskRouter is the entry point of the orchestration engine: it persists
	// the task record and starts the owning workflow. It never calls agents
	// itself.
	TaskRouter struct {
		temporal      client.Client
		store         store.TaskStore
		taskQueue     string
		maxEscalation int
	}

	// RouterOptions configures the TaskRouter.
	RouterOptions struct {
		// Temporal is the workflow engine client. Required.
		Temporal client.Client
		// Store persists tasks. Required.
		Store store.TaskStore
		// TaskQueue is the worker queue workflows start on. Required.
		TaskQueue string
		// MaxEscalation bounds direct assignment attempts. Defaults to 3.
		MaxEscalation int
	}

	// RouteResult reports a routed task.
	RouteResult struct {
		TaskID     string `json:"task_id"`
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}
)

// NewTaskRouter constructs the router.
func NewTaskRouter(opts RouterOptions) (*TaskRouter, error) {
	if opts.Temporal == nil {
		return nil, errors.New("temporal client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	maxEscalation := opts.MaxEscalation
	if maxEscalation <= 0 {
		maxEscalation = defaultEscalationAttempts
	}
	return &TaskRouter{
		temporal:      opts.Temporal,
		store:         opts.Store,
		taskQueue:     opts.TaskQueue,
		maxEscalation: maxEscalation,
	}, nil
}

// Route persists a new task (or accepts an existing taskID for re-entry) and
// starts its orchestrator workflow. Workflow start is idempotent: starting
// the same task twice attaches to the existing run while it is open, and the
// workflow id is rejected once that run has closed, so no duplicate run is
// created. On start failure the task is marked failed with the reason.
func (r *TaskRouter) Route(ctx context.Context, customerID, description string, taskContext map[string]any, taskID string) (RouteResult, error) {
	if customerID == "" {
		return RouteResult{}, errors.New("customer id is required")
	}
	if description == "" {
		return RouteResult{}, errors.New("task description is required")
	}

	if taskID == "" {
		taskID = uuid.NewString()
		title := description
		if len(title) > 255 {
			title = title[:255]
		}
		if err := r.store.InsertTask(ctx, store.Task{
			ID:          taskID,
			CustomerID:  customerID,
			Title:       title,
			Description: description,
			Status:      store.TaskPending,
			Metadata:    map[string]any{"created_by_user": true},
		}); err != nil {
			return RouteResult{}, fmt.Errorf("persist task: %w", err)
		}
	}

	workflowID := OrchestratorWorkflowID(taskID)
	_, err := r.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             r.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, OrchestratorWorkflowName, OrchestratorInput{
		CustomerID:      customerID,
		TaskDescription: description,
		TaskID:          taskID,
		Context:         taskContext,
	})
	if err != nil {
		r.markFailed(ctx, taskID, err)
		return RouteResult{}, fmt.Errorf("start workflow %s: %w", workflowID, err)
	}

	log.Info(ctx,
		log.KV{K: "msg", V: "orchestrator workflow started"},
		log.KV{K: "workflow_id", V: workflowID},
		log.KV{K: "task_id", V: taskID},
	)
	return RouteResult{TaskID: taskID, WorkflowID: workflowID, Status: string(store.TaskPending)}, nil
}

// Assign routes a task directly to a pre-chosen VE via the escalating direct
// assignment workflow.
func (r *TaskRouter) Assign(ctx context.Context, customerID, taskID, veID, description string) error {
	if taskID == "" || veID == "" {
		return errors.New("task id and ve id are required")
	}
	workflowID := DirectAssignmentWorkflowID(taskID)
	_, err := r.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             r.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, DirectAssignmentWorkflowName, DirectAssignmentInput{
		CustomerID:      customerID,
		TaskID:          taskID,
		VEID:            veID,
		TaskDescription: description,
		MaxAttempts:     r.maxEscalation,
	})
	if err != nil {
		r.markFailed(ctx, taskID, err)
		return fmt.Errorf("start workflow %s: %w", workflowID, err)
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "direct assignment workflow started"},
		log.KV{K: "workflow_id", V: workflowID},
		log.KV{K: "task_id", V: taskID},
	)
	return nil
}

// Signal delivers one of the delegation signals to the task's delegation
// workflow.
func (r *TaskRouter) Signal(ctx context.Context, taskID, signal string, payload any) error {
	return r.temporal.SignalWorkflow(ctx, DelegationWorkflowID(taskID), "", signal, payload)
}

// DelegationStatus queries the task's delegation workflow state.
func (r *TaskRouter) DelegationStatus(ctx context.Context, taskID string) (DelegationStatus, error) {
	var status DelegationStatus
	resp, err := r.temporal.QueryWorkflow(ctx, DelegationWorkflowID(taskID), "", QueryDelegationStatus)
	if err != nil {
		return DelegationStatus{}, err
	}
	if err := resp.Get(&status); err != nil {
		return DelegationStatus{}, err
	}
	return status, nil
}

// DelegationChain queries the task's delegation chain.
func (r *TaskRouter) DelegationChain(ctx context.Context, taskID string) ([]string, error) {
	var chain []string
	resp, err := r.temporal.QueryWorkflow(ctx, DelegationWorkflowID(taskID), "", QueryDelegationChain)
	if err != nil {
		return nil, err
	}
	if err := resp.Get(&chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// Terminate stops every well-known workflow of a task. Missing workflows are
// skipped; the first real failure is returned after all ids are attempted.
func (r *TaskRouter) Terminate(ctx context.Context, taskID, reason string) error {
	var firstErr error
	for _, id := range TaskWorkflowIDs(taskID) {
		err := r.temporal.TerminateWorkflow(ctx, id, "", reason)
		if err == nil {
			continue
		}
		if isNotFound(err) {
			continue
		}
		log.Errorf(ctx, err, "terminate workflow %s", id)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *TaskRouter) markFailed(ctx context.Context, taskID string, cause error) {
	status := store.TaskFailed
	if _, err := r.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:   &status,
		Metadata: map[string]any{"failure_reason": cause.Error()},
	}); err != nil {
		log.Errorf(ctx, err, "mark task %s failed", taskID)
	}
}

func isNotFound(err error) bool {
	var notFound *serviceerror.NotFound
	return errors.As(err, &notFound)
}
