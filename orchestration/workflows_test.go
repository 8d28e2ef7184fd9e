package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/veplatform/control-plane/breaker"
	"github.com/veplatform/control-plane/decision"
	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/publish"
	"github.com/veplatform/control-plane/store"
	"github.com/veplatform/control-plane/store/inmem"
)

type fakeDecider struct {
	fn     func(in decision.DecideInput) decision.Decision
	inputs []decision.DecideInput
}

func (f *fakeDecider) Decide(_ context.Context, in decision.DecideInput) decision.Decision {
	f.inputs = append(f.inputs, in)
	return f.fn(in)
}

type fakeRouter struct{ target string }

func (f fakeRouter) Analyze(_ context.Context, _, _ string, _ map[string]any) decision.Routing {
	return decision.Routing{TargetAgent: f.target, Reason: "test routing"}
}

type fakePlanner struct{ err error }

func (f fakePlanner) Draft(_ context.Context, _, _, _, _ string, _ map[string]any) (decision.PlanDraft, error) {
	if f.err != nil {
		return decision.PlanDraft{}, f.err
	}
	return decision.PlanDraft{
		Steps:          []store.PlanStep{{OutputType: "text", Description: "draft the plan"}},
		Timeline:       "1 day",
		InitialThought: "Plan ready for review",
	}, nil
}

type fakeInvoker struct {
	fn    func(req gateway.Request) (gateway.Response, error)
	calls []gateway.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req gateway.Request) (gateway.Response, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		return f.fn(req)
	}
	return gateway.Response{Message: "Draft plan: done", AgentType: req.AgentType, CustomerID: req.CustomerID}, nil
}

type fixture struct {
	store    *inmem.Store
	decider  *fakeDecider
	invoker  *fakeInvoker
	acts     *Activities
	customer string
	taskID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := inmem.New()
	customer := uuid.NewString()
	taskID := uuid.NewString()
	ctx := context.Background()

	require.NoError(t, s.InsertTask(ctx, store.Task{
		ID:          taskID,
		CustomerID:  customer,
		Title:       "Write Q1 marketing plan",
		Description: "Write Q1 marketing plan",
		Status:      store.TaskPending,
	}))
	team := []store.HiredAgent{
		{ID: "ve-mm", CustomerID: customer, AgentType: "marketing-manager", PersonaName: "Maya", Role: "Marketing Manager", Department: "marketing", Seniority: store.SeniorityManager},
		{ID: "ve-dm", CustomerID: customer, AgentType: "devops-manager", PersonaName: "Dev", Role: "DevOps Manager", Department: "engineering", Seniority: store.SenioritySenior},
		{ID: "ve-cw", CustomerID: customer, AgentType: "copywriter", PersonaName: "Casey", Role: "Copywriter", Department: "marketing", Seniority: store.SeniorityJunior},
	}
	for _, a := range team {
		require.NoError(t, s.InsertHiredAgent(ctx, a))
	}

	decider := &fakeDecider{fn: func(decision.DecideInput) decision.Decision {
		return decision.Decision{Action: decision.ActionHandle, Reason: "I can do this", Confidence: 0.9, Method: decision.MethodLLM}
	}}
	invoker := &fakeInvoker{}

	return &fixture{
		store:    s,
		decider:  decider,
		invoker:  invoker,
		customer: customer,
		taskID:   taskID,
		acts: &Activities{
			Store:     s,
			Gateway:   invoker,
			Publisher: publish.Noop(),
			Decider:   decider,
			Router:    fakeRouter{target: "marketing-manager"},
			Planner:   fakePlanner{},
			Breaker:   breaker.New(breaker.Limits{}),
		},
	}
}

func newEnv(t *testing.T, f *fixture) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(OrchestratorWorkflow, workflow.RegisterOptions{Name: OrchestratorWorkflowName})
	env.RegisterWorkflowWithOptions(IntelligentDelegationWorkflow, workflow.RegisterOptions{Name: DelegationWorkflowName})
	env.RegisterWorkflowWithOptions(DirectAssignmentWorkflow, workflow.RegisterOptions{Name: DirectAssignmentWorkflowName})
	env.RegisterActivityWithOptions(f.acts.UpdateTaskStatus, activity.RegisterOptions{Name: ActivityUpdateTaskStatus})
	env.RegisterActivityWithOptions(f.acts.GetCustomerVEs, activity.RegisterOptions{Name: ActivityGetCustomerVEs})
	env.RegisterActivityWithOptions(f.acts.AnalyzeRouting, activity.RegisterOptions{Name: ActivityAnalyzeRouting})
	env.RegisterActivityWithOptions(f.acts.DecideDelegation, activity.RegisterOptions{Name: ActivityDecideDelegation})
	env.RegisterActivityWithOptions(f.acts.InvokeAgent, activity.RegisterOptions{Name: ActivityInvokeAgent})
	env.RegisterActivityWithOptions(f.acts.SaveTaskResult, activity.RegisterOptions{Name: ActivitySaveTaskResult})
	env.RegisterActivityWithOptions(f.acts.CreateTaskPlan, activity.RegisterOptions{Name: ActivityCreateTaskPlan})
	env.RegisterActivityWithOptions(f.acts.CheckBreaker, activity.RegisterOptions{Name: ActivityCheckBreaker})
	return env
}

func TestSingleTenantHappyPath(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)

	// Approve the plan once the workflow is waiting for it.
	env.RegisterDelayedCallback(func() {
		require.NoError(t, env.SignalWorkflowByID(DelegationWorkflowID(f.taskID), SignalApprovePlan, nil))
	}, time.Minute)

	env.ExecuteWorkflow(OrchestratorWorkflowName, OrchestratorInput{
		CustomerID:      f.customer,
		TaskDescription: "Write Q1 marketing plan",
		TaskID:          f.taskID,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, "Maya", result.HandledBy)
	require.Equal(t, DelegationSelfExecution, result.DelegationType)
	require.Equal(t, []string{"marketing-manager"}, result.DelegationChain)
	require.Contains(t, result.Result, "Draft plan:")

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
	require.Equal(t, "completed", task.Phase)
	require.NotEmpty(t, task.Metadata["latest_plan_id"])

	comments, err := f.store.ListComments(context.Background(), f.taskID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(comments), 2, "plan summary + result")
}

func TestOrchestratorFailsWithoutVEs(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)
	lonely := uuid.NewString()
	taskID := uuid.NewString()
	require.NoError(t, f.store.InsertTask(context.Background(), store.Task{ID: taskID, CustomerID: lonely, Status: store.TaskPending}))

	env.ExecuteWorkflow(OrchestratorWorkflowName, OrchestratorInput{
		CustomerID:      lonely,
		TaskDescription: "anything",
		TaskID:          taskID,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "No VEs found", result.Reason)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)
	require.Equal(t, "No VEs found", task.Metadata["failure_reason"])
}

func TestDepthGuard(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "too deep",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true, "delegation_chain": []string{"a", "b", "c", "d", "e", "f"}},
		DelegationDepth:  6,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "Maximum delegation depth exceeded", result.Reason)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, result.DelegationChain)
	require.Empty(t, f.invoker.calls, "no agent is invoked past the depth limit")
}

func TestDelegateRecursion(t *testing.T) {
	f := newFixture(t)
	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		if in.AgentType == "marketing-manager" {
			return decision.Decision{Action: decision.ActionDelegate, DelegatedTo: "devops-manager", Reason: "infra task", Confidence: 0.8}
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "my specialty", Confidence: 0.9}
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "fix the server",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, "Dev", result.HandledBy)
	require.Equal(t, "Maya", result.DelegatedBy)
	require.Equal(t, []string{"marketing-manager", "devops-manager"}, result.DelegationChain)
}

func TestParallelPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		if in.AgentType == "marketing-manager" && len(f.decider.inputs) == 1 {
			return decision.Decision{
				Action: decision.ActionParallel,
				Subtasks: []decision.Subtask{
					{Agent: "copywriter", Task: "write copy"},
					{Agent: "devops-manager", Task: "provision infra"},
					{Agent: "marketing-manager", Task: "review output"},
				},
				Reason:     "split for speed",
				Confidence: 0.8,
			}
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "do it", Confidence: 0.9}
	}
	f.invoker.fn = func(req gateway.Request) (gateway.Response, error) {
		if req.AgentType == "devops-manager" {
			return gateway.Response{}, errors.New("gateway error: 503")
		}
		return gateway.Response{Message: "done by " + req.AgentType}, nil
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "launch campaign",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status, "partial failure keeps the task completed")
	require.Equal(t, DelegationParallelExecution, result.DelegationType)
	require.Len(t, result.ChildrenResults, 3)

	byAgent := map[string]ChildResult{}
	for _, c := range result.ChildrenResults {
		byAgent[c.Agent] = c
	}
	require.Equal(t, StatusCompleted, byAgent["copywriter"].Status)
	require.Equal(t, StatusFailed, byAgent["devops-manager"].Status)
	require.Equal(t, StatusCompleted, byAgent["marketing-manager"].Status)

	// Children are ordered by subtask index regardless of completion order.
	require.Equal(t, 0, result.ChildrenResults[0].Index)
	require.Equal(t, "copywriter", result.ChildrenResults[0].Agent)

	for _, agent := range []string{"marketing-manager", "copywriter", "devops-manager"} {
		require.Contains(t, result.DelegationChain, agent)
	}

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
}

func TestAllParallelChildrenFail(t *testing.T) {
	f := newFixture(t)
	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		if in.AgentType == "marketing-manager" && len(f.decider.inputs) == 1 {
			return decision.Decision{
				Action: decision.ActionParallel,
				Subtasks: []decision.Subtask{
					{Agent: "copywriter", Task: "write copy"},
					{Agent: "devops-manager", Task: "provision infra"},
				},
				Reason:     "split",
				Confidence: 0.8,
			}
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "do it", Confidence: 0.9}
	}
	f.invoker.fn = func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, errors.New("gateway down")
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "launch campaign",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "All parallel subtasks failed", result.Reason)
}

func TestClarificationLoop(t *testing.T) {
	f := newFixture(t)
	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		if len(f.decider.inputs) == 1 {
			return decision.Decision{Action: decision.ActionAskClarification, Reason: "Budget?", Confidence: 0.6}
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "budget known", Confidence: 0.9}
	}
	env := newEnv(t, f)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProvideFeedback, "$10k")
	}, time.Minute)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "plan the campaign",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, []string{"marketing-manager"}, result.DelegationChain)

	// The second decision sees the feedback.
	require.Len(t, f.decider.inputs, 2)
	require.Equal(t, "$10k", f.decider.inputs[1].Context["user_feedback"])

	comments, err := f.store.ListComments(context.Background(), f.taskID)
	require.NoError(t, err)
	var question bool
	for _, c := range comments {
		if c.Content == "**QUESTION:** Budget?" {
			question = true
		}
	}
	require.True(t, question, "clarification question is posted as a comment")
}

func TestCancelDuringPlanning(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancelDelegation, nil)
	}, time.Minute)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "plan something",
		CurrentAgentType: "marketing-manager",
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCancelled, result.Status)
	require.Empty(t, f.invoker.calls, "no agent is invoked after cancellation")
}

func TestPauseThenResumeCompletes(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalPauseDelegation, nil)
	}, time.Second)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalResumeDelegation, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "do the thing",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
}

func TestBreakerRejectionFallsBackToHandle(t *testing.T) {
	f := newFixture(t)
	// One slot for the target agent type, already consumed.
	f.acts.Breaker = breaker.New(breaker.Limits{MaxAgentTypePerHour: 1})
	require.NoError(t, f.acts.Breaker.CheckAndRecord("other", "other-customer", "devops-manager", 0))

	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		if in.AgentType == "marketing-manager" && len(f.decider.inputs) == 1 {
			return decision.Decision{Action: decision.ActionDelegate, DelegatedTo: "devops-manager", Reason: "infra", Confidence: 0.8}
		}
		return decision.Decision{Action: decision.ActionHandle, Reason: "do it", Confidence: 0.9}
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "fix the server",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, DelegationFallbackExecution, result.DelegationType)
	require.Equal(t, "Maya", result.HandledBy, "rejected delegation is handled locally")
}

func TestMissingDelegateTargetFallsBack(t *testing.T) {
	f := newFixture(t)
	f.decider.fn = func(in decision.DecideInput) decision.Decision {
		// An unvalidated target can slip through only as an empty string;
		// the workflow treats it as handle.
		return decision.Decision{Action: decision.ActionDelegate, Reason: "vague", Confidence: 0.5}
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "something",
		CurrentAgentType: "marketing-manager",
		Context:          map[string]any{"plan_approved": true},
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, DelegationFallbackExecution, result.DelegationType)
}

func TestPlanningFailureFailsTask(t *testing.T) {
	f := newFixture(t)
	f.acts.Planner = fakePlanner{err: errors.New("model offline")}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "plan it",
		CurrentAgentType: "marketing-manager",
		DelegationDepth:  0,
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Reason, "Planning failure")
}

func TestEscalationExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, errors.New("agent unreachable")
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DirectAssignmentWorkflowName, DirectAssignmentInput{
		CustomerID:      f.customer,
		TaskID:          f.taskID,
		VEID:            "ve-cw",
		TaskDescription: "write the copy",
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)

	// The log crosses the activity data converter, so decode it back into
	// typed entries before asserting.
	raw, err := json.Marshal(task.Metadata["escalation_log"])
	require.NoError(t, err)
	var logEntries []EscalationEntry
	require.NoError(t, json.Unmarshal(raw, &logEntries))
	require.Len(t, logEntries, 3)
	require.Equal(t, 1, logEntries[0].Attempt)
	require.Equal(t, "ve-cw", logEntries[0].VEID)
	// Escalation walks remaining agents by seniority: manager first.
	require.Equal(t, "marketing-manager", logEntries[1].AgentType)
}

func TestEscalationSucceedsOnSecondAttempt(t *testing.T) {
	f := newFixture(t)
	f.invoker.fn = func(req gateway.Request) (gateway.Response, error) {
		if req.AgentType == "copywriter" {
			return gateway.Response{}, errors.New("agent unreachable")
		}
		return gateway.Response{Message: "handled after escalation"}, nil
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DirectAssignmentWorkflowName, DirectAssignmentInput{
		CustomerID:      f.customer,
		TaskID:          f.taskID,
		VEID:            "ve-cw",
		TaskDescription: "write the copy",
	})

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, "Maya", result.HandledBy)
	require.Equal(t, []string{"copywriter", "marketing-manager"}, result.DelegationChain)

	task, err := f.store.GetTask(context.Background(), f.taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
}

func TestDelegationStatusQuery(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, f)

	env.RegisterDelayedCallback(func() {
		v, err := env.QueryWorkflow(QueryDelegationStatus)
		require.NoError(t, err)
		var status DelegationStatus
		require.NoError(t, v.Get(&status))
		require.Equal(t, "marketing-manager", status.CurrentAgent)
		require.False(t, status.Cancelled)
		env.SignalWorkflow(SignalApprovePlan, nil)
	}, time.Minute)

	env.ExecuteWorkflow(DelegationWorkflowName, DelegationInput{
		CustomerID:       f.customer,
		TaskID:           f.taskID,
		TaskDescription:  "check the query",
		CurrentAgentType: "marketing-manager",
		DelegationDepth:  0,
	})

	require.NoError(t, env.GetWorkflowError())
}
