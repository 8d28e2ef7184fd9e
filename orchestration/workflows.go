// Package orchestration contains the durable workflows that drive tasks
// through routing, planning, approval, execution, and delegation, together
// with their activities, the task router, and worker registration.
//
// Workflow code is deterministic: time comes from workflow.Now, all I/O goes
// through activities, and recursion across agents is modeled as child
// workflows so a process restart replays the exact same decisions.
package orchestration

import (
	"strconv"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/veplatform/control-plane/decision"
	"github.com/veplatform/control-plane/store"
)

// MaxDelegationDepth bounds delegation recursion. A frame deeper than this
// fails without invoking any agent.
const MaxDelegationDepth = 5

// defaultEscalationAttempts bounds the direct assignment retry chain.
const defaultEscalationAttempts = 3

func statusOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
}

func fetchOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
	})
}

func analysisOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
}

func planOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 3 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
}

func invokeOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
}

func breakerOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
}

func publishStatus(ctx workflow.Context, in UpdateTaskStatusInput) {
	// Status updates are best-effort from the workflow's perspective: a
	// failed publish never fails the task.
	var ignored UpdateTaskStatusResult
	if err := workflow.ExecuteActivity(statusOptions(ctx), ActivityUpdateTaskStatus, in).Get(ctx, &ignored); err != nil {
		workflow.GetLogger(ctx).Warn("status update failed", "task_id", in.TaskID, "error", err)
	}
}

// OrchestratorWorkflow is the root workflow of every task. It fetches the
// tenant's hired agents, picks an initial agent through routing analysis, and
// hands the task to the intelligent delegation workflow.
func OrchestratorWorkflow(ctx workflow.Context, input OrchestratorInput) (Result, error) {
	logger := workflow.GetLogger(ctx)

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		ProgressMessage: "Starting task analysis...",
		Phase:           "routing",
	})

	var ves []store.HiredAgent
	if err := workflow.ExecuteActivity(fetchOptions(ctx), ActivityGetCustomerVEs, GetCustomerVEsInput{CustomerID: input.CustomerID}).Get(ctx, &ves); err != nil {
		return Result{}, err
	}
	if len(ves) == 0 {
		publishStatus(ctx, UpdateTaskStatusInput{
			TaskID:          input.TaskID,
			Status:          string(store.TaskFailed),
			ProgressMessage: "No virtual employees found",
			Metadata:        map[string]any{"failure_reason": "No VEs found"},
		})
		return Result{Status: StatusFailed, Reason: "No VEs found"}, nil
	}

	var routing decision.Routing
	if err := workflow.ExecuteActivity(analysisOptions(ctx), ActivityAnalyzeRouting, AnalyzeRoutingInput{
		CustomerID:      input.CustomerID,
		TaskDescription: input.TaskDescription,
		Context:         input.Context,
	}).Get(ctx, &routing); err != nil {
		return Result{}, err
	}

	initial := pickInitialAgent(ves, routing.TargetAgent)
	logger.Info("orchestrator routing", "agent_type", initial.AgentType, "reason", routing.Reason)

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       initial.AgentType,
		ProgressMessage: "Routing to " + initial.AgentType + "...",
		Phase:           "routed",
	})

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        DelegationWorkflowID(input.TaskID),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
	})
	var result Result
	err := workflow.ExecuteChildWorkflow(childCtx, DelegationWorkflowName, DelegationInput{
		CustomerID:       input.CustomerID,
		TaskID:           input.TaskID,
		TaskDescription:  input.TaskDescription,
		CurrentAgentType: initial.AgentType,
		Context:          input.Context,
		DelegationDepth:  0,
	}).Get(ctx, &result)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// pickInitialAgent resolves the routed agent type against the hired team:
// the routed type when hired, otherwise the highest-seniority manager,
// otherwise the first hired agent.
func pickInitialAgent(ves []store.HiredAgent, target string) store.HiredAgent {
	if target != "" {
		for _, ve := range ves {
			if ve.AgentType == target {
				return ve
			}
		}
	}
	for _, ve := range ves {
		if ve.Seniority == store.SeniorityManager {
			return ve
		}
	}
	return ves[0]
}

// delegationState is the workflow-local state mutated by signals and exposed
// by queries. Signal handlers only touch this struct; they never perform I/O.
type delegationState struct {
	paused           bool
	cancelled        bool
	planApproved     bool
	feedbackReceived bool
	lastFeedback     string
	status           DelegationStatus
}

func (s *delegationState) touch(ctx workflow.Context) {
	s.status.LastUpdate = workflow.Now(ctx).UTC()
}

// IntelligentDelegationWorkflow is one frame of the recursive delegation
// loop: the current agent decides to handle, delegate, parallel-split, or ask
// for clarification. External signals pause, resume, cancel, approve the
// plan, and deliver feedback; queries expose the live frame.
func IntelligentDelegationWorkflow(ctx workflow.Context, input DelegationInput) (Result, error) {
	logger := workflow.GetLogger(ctx)
	if input.Context == nil {
		input.Context = make(map[string]any)
	}

	state := &delegationState{}
	state.status.CurrentAgent = input.CurrentAgentType
	state.status.DelegationDepth = input.DelegationDepth
	state.status.StartTime = workflow.Now(ctx).UTC()
	state.status.LastUpdate = state.status.StartTime

	registerSignalHandlers(ctx, state)
	if err := registerQueryHandlers(ctx, state); err != nil {
		return Result{}, err
	}

	if state.cancelled {
		return Result{Status: StatusCancelled, Reason: "Workflow cancelled by user", DelegationChain: state.status.DelegationChain}, nil
	}

	// Depth guard comes before any agent work.
	if input.DelegationDepth > MaxDelegationDepth {
		logger.Warn("max delegation depth reached", "task_id", input.TaskID)
		return Result{
			Status:          StatusFailed,
			Reason:          "Maximum delegation depth exceeded",
			DelegationChain: chainFromContext(input.Context),
		}, nil
	}

	// Planning phase: root frame only, and only until the plan is approved.
	if input.DelegationDepth == 0 && !boolFromContext(input.Context, "plan_approved") {
		res, done, err := planningPhase(ctx, state, &input)
		if err != nil || done {
			return res, err
		}
	}

	// The clarification loop re-enters the decision step at the same depth
	// with the user's feedback folded into the context.
	for {
		res, retry, err := delegationRound(ctx, state, &input)
		if err != nil || !retry {
			return res, err
		}
	}
}

func registerSignalHandlers(ctx workflow.Context, state *delegationState) {
	pauseCh := workflow.GetSignalChannel(ctx, SignalPauseDelegation)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResumeDelegation)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelDelegation)
	approveCh := workflow.GetSignalChannel(ctx, SignalApprovePlan)
	feedbackCh := workflow.GetSignalChannel(ctx, SignalProvideFeedback)

	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			pauseCh.Receive(gctx, nil)
			state.paused = true
			state.touch(gctx)
			workflow.GetLogger(gctx).Info("delegation paused")
		}
	})
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			resumeCh.Receive(gctx, nil)
			state.paused = false
			state.touch(gctx)
			workflow.GetLogger(gctx).Info("delegation resumed")
		}
	})
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			cancelCh.Receive(gctx, nil)
			state.cancelled = true
			state.touch(gctx)
			workflow.GetLogger(gctx).Info("delegation cancelled")
		}
	})
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			approveCh.Receive(gctx, nil)
			state.planApproved = true
			state.touch(gctx)
			workflow.GetLogger(gctx).Info("plan approved")
		}
	})
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			var msg string
			feedbackCh.Receive(gctx, &msg)
			state.feedbackReceived = true
			state.lastFeedback = msg
			state.touch(gctx)
			workflow.GetLogger(gctx).Info("feedback received")
		}
	})
}

func registerQueryHandlers(ctx workflow.Context, state *delegationState) error {
	if err := workflow.SetQueryHandler(ctx, QueryDelegationStatus, func() (DelegationStatus, error) {
		status := state.status
		status.Paused = state.paused
		status.Cancelled = state.cancelled
		return status, nil
	}); err != nil {
		return err
	}
	return workflow.SetQueryHandler(ctx, QueryDelegationChain, func() ([]string, error) {
		return state.status.DelegationChain, nil
	})
}

// planningPhase drafts the plan, blocks on approval, and resumes execution.
// done reports that the workflow should return res immediately.
func planningPhase(ctx workflow.Context, state *delegationState, input *DelegationInput) (res Result, done bool, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("starting planning phase", "task_id", input.TaskID)

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskPlanning),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: input.CurrentAgentType + " is drafting an execution plan...",
		Phase:           "planning",
	})

	var plan CreateTaskPlanResult
	err = workflow.ExecuteActivity(planOptions(ctx), ActivityCreateTaskPlan, CreateTaskPlanInput{
		TaskID:          input.TaskID,
		TaskDescription: input.TaskDescription,
		AgentType:       input.CurrentAgentType,
		Context:         input.Context,
	}).Get(ctx, &plan)
	if err != nil || !plan.Success {
		reason := plan.Error
		if err != nil {
			reason = err.Error()
		}
		publishStatus(ctx, UpdateTaskStatusInput{
			TaskID:          input.TaskID,
			Status:          string(store.TaskFailed),
			AgentType:       input.CurrentAgentType,
			ProgressMessage: "Planning Failed: " + reason,
		})
		return Result{Status: StatusFailed, Reason: "Planning failure: " + reason}, true, nil
	}

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskPlanning),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: "Plan drafted. Waiting for approval.",
		Phase:           "approval",
	})

	logger.Info("waiting for plan approval", "task_id", input.TaskID)
	if err := workflow.Await(ctx, func() bool { return state.planApproved || state.cancelled }); err != nil {
		return Result{}, true, err
	}
	if state.cancelled {
		return Result{Status: StatusCancelled, Reason: "Workflow cancelled during planning"}, true, nil
	}

	input.Context["plan_approved"] = true
	input.Context["user_feedback"] = "Plan approved by user."

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: "Plan approved. Starting execution...",
		Phase:           "execution",
	})
	return Result{}, false, nil
}

// delegationRound runs one decision iteration. retry reports that the loop
// should re-enter the decision step at the same depth (clarification).
func delegationRound(ctx workflow.Context, state *delegationState, input *DelegationInput) (res Result, retry bool, err error) {
	logger := workflow.GetLogger(ctx)

	chain := append(chainFromContext(input.Context), input.CurrentAgentType)
	input.Context["delegation_chain"] = chain
	state.status.DelegationChain = chain
	state.touch(ctx)

	var ves []store.HiredAgent
	if err := workflow.ExecuteActivity(fetchOptions(ctx), ActivityGetCustomerVEs, GetCustomerVEsInput{CustomerID: input.CustomerID}).Get(ctx, &ves); err != nil {
		return Result{}, false, err
	}
	if len(ves) == 0 {
		return Result{Status: StatusFailed, Reason: "No VEs available", DelegationChain: chain}, false, nil
	}
	current := currentAgent(ves, input.CurrentAgentType)

	state.status.CurrentAction = "analyzing"
	state.touch(ctx)
	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: input.CurrentAgentType + " is analyzing the task...",
	})

	if err := awaitResume(ctx, state); err != nil {
		return Result{}, false, err
	}
	if state.cancelled {
		return Result{Status: StatusCancelled, Reason: "Workflow cancelled by user", DelegationChain: chain}, false, nil
	}

	decideCtx := mergeContext(input.Context, map[string]any{"customer_id": input.CustomerID, "task_id": input.TaskID})
	var decided decision.Decision
	if err := workflow.ExecuteActivity(analysisOptions(ctx), ActivityDecideDelegation, DecideDelegationInput{
		AgentType:       input.CurrentAgentType,
		TaskDescription: input.TaskDescription,
		Context:         decideCtx,
	}).Get(ctx, &decided); err != nil {
		return Result{}, false, err
	}

	logger.Info("agent decision", "action", decided.Action, "reason", decided.Reason)
	state.status.CurrentAction = decided.Action
	state.status.DecisionsMade = append(state.status.DecisionsMade, DecisionRecord{
		Agent:      input.CurrentAgentType,
		Action:     decided.Action,
		Confidence: decided.Confidence,
		Reason:     decided.Reason,
		Timestamp:  workflow.Now(ctx).UTC(),
	})
	state.touch(ctx)

	switch decided.Action {
	case decision.ActionDelegate:
		if decided.DelegatedTo == "" {
			return handleDirectly(ctx, state, input, current, chain, DelegationFallbackExecution)
		}
		return delegateToAgent(ctx, state, input, current, chain, decided.DelegatedTo)

	case decision.ActionParallel:
		return parallelSplit(ctx, state, input, chain, decided.Subtasks)

	case decision.ActionAskClarification:
		return clarificationPause(ctx, state, input, decided.Reason)

	case decision.ActionHandle:
		return handleDirectly(ctx, state, input, current, chain, DelegationSelfExecution)

	default:
		return handleDirectly(ctx, state, input, current, chain, DelegationFallbackExecution)
	}
}

func handleDirectly(ctx workflow.Context, state *delegationState, input *DelegationInput, current store.HiredAgent, chain []string, delegationType string) (Result, bool, error) {
	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: current.PersonaName + " is working on this task",
	})

	if err := awaitResume(ctx, state); err != nil {
		return Result{}, false, err
	}
	if state.cancelled {
		return Result{Status: StatusCancelled, Reason: "Workflow cancelled by user", DelegationChain: chain}, false, nil
	}

	var resp struct {
		Message string `json:"message"`
		Blocked bool   `json:"blocked,omitempty"`
	}
	if err := workflow.ExecuteActivity(invokeOptions(ctx), ActivityInvokeAgent, InvokeAgentInput{
		CustomerID: input.CustomerID,
		AgentType:  input.CurrentAgentType,
		Message:    input.TaskDescription,
		SessionID:  input.TaskID,
	}).Get(ctx, &resp); err != nil {
		// Only the root frame persists the terminal failure: a failed
		// parallel sibling must not lock the task while other branches are
		// still completing.
		if input.DelegationDepth == 0 {
			publishStatus(ctx, UpdateTaskStatusInput{
				TaskID:          input.TaskID,
				Status:          string(store.TaskFailed),
				AgentType:       input.CurrentAgentType,
				ProgressMessage: "Agent invocation failed: " + err.Error(),
				Metadata:        map[string]any{"failure_reason": err.Error()},
			})
		}
		return Result{Status: StatusFailed, Reason: err.Error(), DelegationChain: chain}, false, nil
	}

	var saved SaveTaskResultOutput
	if err := workflow.ExecuteActivity(statusOptions(ctx), ActivitySaveTaskResult, SaveTaskResultInput{
		TaskID:     input.TaskID,
		Message:    resp.Message,
		Status:     string(store.TaskCompleted),
		AuthorType: store.AuthorVE,
	}).Get(ctx, &saved); err != nil {
		return Result{}, false, err
	}

	return Result{
		Status:          StatusCompleted,
		HandledBy:       current.PersonaName,
		DelegationType:  delegationType,
		DelegationChain: chain,
		Result:          resp.Message,
	}, false, nil
}

func delegateToAgent(ctx workflow.Context, state *delegationState, input *DelegationInput, current store.HiredAgent, chain []string, target string) (Result, bool, error) {
	var gate CheckBreakerResult
	if err := workflow.ExecuteActivity(breakerOptions(ctx), ActivityCheckBreaker, CheckBreakerInput{
		WorkflowID: workflow.GetInfo(ctx).WorkflowExecution.ID,
		CustomerID: input.CustomerID,
		AgentType:  target,
		Depth:      input.DelegationDepth + 1,
	}).Get(ctx, &gate); err != nil {
		return Result{}, false, err
	}
	if !gate.Allowed {
		workflow.GetLogger(ctx).Warn("delegation rejected by breaker", "reason", gate.Reason)
		return handleDirectly(ctx, state, input, current, chain, DelegationFallbackExecution)
	}

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       target,
		ProgressMessage: "Delegating to " + target + "...",
	})

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        ChildDelegationWorkflowID(input.TaskID, input.DelegationDepth+1, 0),
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
	})
	var child Result
	if err := workflow.ExecuteChildWorkflow(childCtx, DelegationWorkflowName, DelegationInput{
		CustomerID:       input.CustomerID,
		TaskID:           input.TaskID,
		TaskDescription:  input.TaskDescription,
		CurrentAgentType: target,
		Context:          input.Context,
		DelegationDepth:  input.DelegationDepth + 1,
	}).Get(ctx, &child); err != nil {
		return Result{}, false, err
	}

	child.DelegatedBy = current.PersonaName
	child.DelegationChain = mergeChains(chain, child.DelegationChain)
	return child, false, nil
}

func parallelSplit(ctx workflow.Context, state *delegationState, input *DelegationInput, chain []string, subtasks []decision.Subtask) (Result, bool, error) {
	type branch struct {
		sub    decision.Subtask
		future workflow.ChildWorkflowFuture
	}

	branches := make([]branch, 0, len(subtasks))
	for i, sub := range subtasks {
		var gate CheckBreakerResult
		if err := workflow.ExecuteActivity(breakerOptions(ctx), ActivityCheckBreaker, CheckBreakerInput{
			WorkflowID: workflow.GetInfo(ctx).WorkflowExecution.ID,
			CustomerID: input.CustomerID,
			AgentType:  sub.Agent,
			Depth:      input.DelegationDepth + 1,
		}).Get(ctx, &gate); err != nil {
			return Result{}, false, err
		}
		if !gate.Allowed {
			branches = append(branches, branch{sub: sub})
			continue
		}

		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        ChildDelegationWorkflowID(input.TaskID, input.DelegationDepth+1, i+1),
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_TERMINATE,
		})
		future := workflow.ExecuteChildWorkflow(childCtx, DelegationWorkflowName, DelegationInput{
			CustomerID:       input.CustomerID,
			TaskID:           input.TaskID,
			TaskDescription:  sub.Task,
			CurrentAgentType: sub.Agent,
			Context:          mergeContext(input.Context, nil),
			DelegationDepth:  input.DelegationDepth + 1,
		})
		branches = append(branches, branch{sub: sub, future: future})
	}

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: "Running " + strconv.Itoa(len(subtasks)) + " subtasks in parallel",
	})

	// Children are combined strictly in subtask order so replay is
	// deterministic regardless of completion order.
	results := make([]ChildResult, len(branches))
	failures := 0
	fullChain := chain
	for i, b := range branches {
		results[i] = ChildResult{Index: i, Agent: b.sub.Agent, Task: b.sub.Task}
		if b.future == nil {
			results[i].Status = StatusFailed
			results[i].Error = "rejected by delegation circuit breaker"
			failures++
			continue
		}
		var child Result
		if err := b.future.Get(ctx, &child); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			failures++
			continue
		}
		results[i].Status = child.Status
		results[i].Result = child.Result
		if child.Status != StatusCompleted {
			results[i].Error = child.Reason
			failures++
		}
		fullChain = mergeChains(fullChain, child.DelegationChain)
	}

	state.status.DelegationChain = fullChain
	state.touch(ctx)

	// Partial failure keeps the task completed; only a total failure fails
	// it.
	if failures == len(branches) {
		if input.DelegationDepth == 0 {
			publishStatus(ctx, UpdateTaskStatusInput{
				TaskID:          input.TaskID,
				Status:          string(store.TaskFailed),
				AgentType:       input.CurrentAgentType,
				ProgressMessage: "All parallel subtasks failed",
			})
		}
		return Result{
			Status:          StatusFailed,
			Reason:          "All parallel subtasks failed",
			DelegationType:  DelegationParallelExecution,
			DelegationChain: fullChain,
			ChildrenResults: results,
		}, false, nil
	}

	var saved SaveTaskResultOutput
	if err := workflow.ExecuteActivity(statusOptions(ctx), ActivitySaveTaskResult, SaveTaskResultInput{
		TaskID:     input.TaskID,
		Message:    combineChildOutputs(results),
		Status:     string(store.TaskCompleted),
		AuthorType: store.AuthorVE,
	}).Get(ctx, &saved); err != nil {
		return Result{}, false, err
	}

	return Result{
		Status:          StatusCompleted,
		DelegationType:  DelegationParallelExecution,
		DelegationChain: fullChain,
		ChildrenResults: results,
	}, false, nil
}

func clarificationPause(ctx workflow.Context, state *delegationState, input *DelegationInput, question string) (Result, bool, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("asking for clarification", "question", question)

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskWaitingForInput),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: question,
	})
	var saved SaveTaskResultOutput
	if err := workflow.ExecuteActivity(statusOptions(ctx), ActivitySaveTaskResult, SaveTaskResultInput{
		TaskID:     input.TaskID,
		Message:    "**QUESTION:** " + question,
		Status:     string(store.TaskWaitingForInput),
		AuthorType: store.AuthorVE,
	}).Get(ctx, &saved); err != nil {
		return Result{}, false, err
	}

	state.feedbackReceived = false
	state.lastFeedback = ""

	logger.Info("workflow blocked waiting for feedback", "task_id", input.TaskID)
	if err := workflow.Await(ctx, func() bool { return state.feedbackReceived || state.cancelled }); err != nil {
		return Result{}, false, err
	}
	if state.cancelled {
		return Result{Status: StatusCancelled, Reason: "Workflow cancelled during feedback"}, false, nil
	}

	input.Context["user_feedback"] = state.lastFeedback

	publishStatus(ctx, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskInProgress),
		AgentType:       input.CurrentAgentType,
		ProgressMessage: "Feedback received, resuming analysis...",
	})
	// Re-enter the decision loop at the same depth with the feedback in
	// context. The agent already on the chain is not appended twice.
	input.Context["delegation_chain"] = trimLast(chainFromContext(input.Context), input.CurrentAgentType)
	return Result{}, true, nil
}

// DirectAssignmentWorkflow drives a pre-chosen assignment with escalation:
// failed invocations walk the tenant's team by seniority until the attempt
// budget is exhausted.
func DirectAssignmentWorkflow(ctx workflow.Context, input DirectAssignmentInput) (Result, error) {
	logger := workflow.GetLogger(ctx)
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultEscalationAttempts
	}

	var ves []store.HiredAgent
	if err := workflow.ExecuteActivity(fetchOptions(ctx), ActivityGetCustomerVEs, GetCustomerVEsInput{CustomerID: input.CustomerID}).Get(ctx, &ves); err != nil {
		return Result{}, err
	}
	if len(ves) == 0 {
		publishStatus(ctx, UpdateTaskStatusInput{
			TaskID:          input.TaskID,
			Status:          string(store.TaskFailed),
			ProgressMessage: "No virtual employees found",
		})
		return Result{Status: StatusFailed, Reason: "No VEs found"}, nil
	}

	target := findByID(ves, input.VEID)
	if target == nil {
		target = &ves[0]
	}

	var escalationLog []EscalationEntry
	failed := map[string]bool{}
	chain := []string{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		chain = append(chain, target.AgentType)
		status := string(store.TaskInProgress)
		if attempt > 1 {
			status = string(store.TaskEscalated)
		}
		publishStatus(ctx, UpdateTaskStatusInput{
			TaskID:          input.TaskID,
			Status:          status,
			AgentType:       target.AgentType,
			ProgressMessage: target.PersonaName + " is working on this task (attempt " + strconv.Itoa(attempt) + ")",
		})

		var resp struct {
			Message string `json:"message"`
			Blocked bool   `json:"blocked,omitempty"`
		}
		err := workflow.ExecuteActivity(invokeOptions(ctx), ActivityInvokeAgent, InvokeAgentInput{
			CustomerID: input.CustomerID,
			AgentType:  target.AgentType,
			Message:    input.TaskDescription,
			SessionID:  input.TaskID,
		}).Get(ctx, &resp)

		entry := EscalationEntry{
			Attempt:   attempt,
			VEID:      target.ID,
			AgentType: target.AgentType,
			Timestamp: workflow.Now(ctx).UTC(),
		}
		if err == nil && !resp.Blocked {
			entry.Status = StatusCompleted
			escalationLog = append(escalationLog, entry)

			var saved SaveTaskResultOutput
			if err := workflow.ExecuteActivity(statusOptions(ctx), ActivitySaveTaskResult, SaveTaskResultInput{
				TaskID:     input.TaskID,
				Message:    resp.Message,
				Status:     string(store.TaskCompleted),
				AuthorType: store.AuthorVE,
			}).Get(ctx, &saved); err != nil {
				return Result{}, err
			}
			return Result{
				Status:          StatusCompleted,
				HandledBy:       target.PersonaName,
				DelegationType:  DelegationSelfExecution,
				DelegationChain: chain,
				Result:          resp.Message,
			}, nil
		}

		entry.Status = StatusFailed
		if err != nil {
			entry.Reason = err.Error()
		} else {
			entry.Reason = "response blocked by leakage detector"
		}
		escalationLog = append(escalationLog, entry)
		failed[target.ID] = true
		logger.Warn("assignment attempt failed", "attempt", attempt, "ve_id", target.ID, "reason", entry.Reason)

		next := nextEscalationTarget(ves, failed)
		if next == nil {
			break
		}
		target = next
	}

	var failedUpdate UpdateTaskStatusResult
	_ = workflow.ExecuteActivity(statusOptions(ctx), ActivityUpdateTaskStatus, UpdateTaskStatusInput{
		TaskID:          input.TaskID,
		Status:          string(store.TaskFailed),
		ProgressMessage: "All escalation attempts exhausted",
		Metadata: map[string]any{
			"failure_reason": "All escalation attempts exhausted",
			"escalation_log": escalationLog,
		},
	}).Get(ctx, &failedUpdate)

	var saved SaveTaskResultOutput
	_ = workflow.ExecuteActivity(statusOptions(ctx), ActivitySaveTaskResult, SaveTaskResultInput{
		TaskID:     input.TaskID,
		Message:    escalationSummary(escalationLog),
		Status:     string(store.TaskFailed),
		AuthorType: store.AuthorSystem,
	}).Get(ctx, &saved)

	return Result{
		Status:          StatusFailed,
		Reason:          "All escalation attempts exhausted",
		DelegationChain: chain,
	}, nil
}

func awaitResume(ctx workflow.Context, state *delegationState) error {
	return workflow.Await(ctx, func() bool { return !state.paused || state.cancelled })
}

func currentAgent(ves []store.HiredAgent, agentType string) store.HiredAgent {
	for _, ve := range ves {
		if ve.AgentType == agentType {
			return ve
		}
	}
	return ves[0]
}

func findByID(ves []store.HiredAgent, id string) *store.HiredAgent {
	for i := range ves {
		if ves[i].ID == id {
			return &ves[i]
		}
	}
	return nil
}

// nextEscalationTarget picks the highest-seniority hired agent that has not
// failed yet: manager before senior before junior.
func nextEscalationTarget(ves []store.HiredAgent, failed map[string]bool) *store.HiredAgent {
	var best *store.HiredAgent
	for i := range ves {
		if failed[ves[i].ID] {
			continue
		}
		if best == nil || store.SeniorityRank(ves[i].Seniority) < store.SeniorityRank(best.Seniority) {
			best = &ves[i]
		}
	}
	return best
}

func chainFromContext(taskContext map[string]any) []string {
	raw, ok := taskContext["delegation_chain"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolFromContext(taskContext map[string]any, key string) bool {
	v, ok := taskContext[key].(bool)
	return ok && v
}

// mergeContext returns a copy of base with overrides applied.
func mergeContext(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func mergeChains(parent, child []string) []string {
	if len(child) == 0 {
		return parent
	}
	out := append([]string(nil), parent...)
	for _, agent := range child {
		if len(out) == 0 || out[len(out)-1] != agent {
			if !containsString(out, agent) {
				out = append(out, agent)
			}
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func trimLast(chain []string, agent string) []string {
	if len(chain) > 0 && chain[len(chain)-1] == agent {
		return chain[:len(chain)-1]
	}
	return chain
}

func escalationSummary(entries []EscalationEntry) string {
	out := "Escalation exhausted after " + strconv.Itoa(len(entries)) + " attempts:"
	for _, e := range entries {
		out += "\n- attempt " + strconv.Itoa(e.Attempt) + ": " + e.AgentType + " (" + e.Status + ")"
		if e.Reason != "" {
			out += " " + e.Reason
		}
	}
	return out
}

func combineChildOutputs(results []ChildResult) string {
	out := ""
	for _, r := range results {
		if r.Status != StatusCompleted {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += "[" + r.Agent + "] " + r.Result
	}
	return out
}
