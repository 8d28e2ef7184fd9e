package orchestration

import "time"

// Workflow registration names.
const (
	OrchestratorWorkflowName     = "OrchestratorWorkflow"
	DelegationWorkflowName       = "IntelligentDelegationWorkflow"
	DirectAssignmentWorkflowName = "DirectAssignmentWorkflow"
)

// Signal names accepted by the delegation workflow.
const (
	SignalPauseDelegation  = "pause_delegation"
	SignalResumeDelegation = "resume_delegation"
	SignalCancelDelegation = "cancel_delegation"
	SignalApprovePlan      = "approve_plan"
	SignalProvideFeedback  = "provide_feedback"
)

// Query names exposed by the delegation workflow.
const (
	QueryDelegationStatus = "get_delegation_status"
	QueryDelegationChain  = "get_delegation_chain"
)

// Activity registration names.
const (
	ActivityUpdateTaskStatus = "update_task_status"
	ActivityGetCustomerVEs   = "get_customer_ves"
	ActivityAnalyzeRouting   = "analyze_routing"
	ActivityDecideDelegation = "analyze_and_decide_delegation"
	ActivityInvokeAgent      = "invoke_agent"
	ActivitySaveTaskResult   = "save_task_result"
	ActivityCreateTaskPlan   = "create_task_plan"
	ActivityCheckBreaker     = "check_delegation_breaker"
)

// Result statuses returned by workflows.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Delegation result types.
const (
	DelegationSelfExecution     = "self_execution"
	DelegationFallbackExecution = "fallback_execution"
	DelegationParallelExecution = "parallel_execution"
)

type (
	// OrchestratorInput starts the root workflow of a task.
	OrchestratorInput struct {
		CustomerID      string         `json:"customer_id"`
		TaskDescription string         `json:"task_description"`
		TaskID          string         `json:"task_id"`
		Context         map[string]any `json:"context,omitempty"`
	}

	// DelegationInput starts an IntelligentDelegationWorkflow frame.
	DelegationInput struct {
		CustomerID       string         `json:"customer_id"`
		TaskID           string         `json:"task_id"`
		TaskDescription  string         `json:"task_description"`
		CurrentAgentType string         `json:"current_agent_type"`
		Context          map[string]any `json:"context,omitempty"`
		DelegationDepth  int            `json:"delegation_depth"`
	}

	// DirectAssignmentInput starts the escalating direct assignment
	// workflow.
	DirectAssignmentInput struct {
		CustomerID      string `json:"customer_id"`
		TaskID          string `json:"task_id"`
		VEID            string `json:"ve_id"`
		TaskDescription string `json:"task_description"`
		MaxAttempts     int    `json:"max_attempts,omitempty"`
	}

	// ChildResult is one parallel branch outcome, ordered by subtask index.
	ChildResult struct {
		Index  int    `json:"index"`
		Agent  string `json:"agent"`
		Task   string `json:"task"`
		Status string `json:"status"`
		Result string `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	// Result is the terminal status of a workflow run.
	Result struct {
		Status          string        `json:"status"`
		Reason          string        `json:"reason,omitempty"`
		HandledBy       string        `json:"handled_by,omitempty"`
		DelegatedBy     string        `json:"delegated_by,omitempty"`
		DelegationType  string        `json:"delegation_type,omitempty"`
		DelegationChain []string      `json:"delegation_chain,omitempty"`
		Result          string        `json:"result,omitempty"`
		ChildrenResults []ChildResult `json:"children_results,omitempty"`
	}

	// DecisionRecord is one entry of the delegation status decision log.
	DecisionRecord struct {
		Agent      string    `json:"agent"`
		Action     string    `json:"action"`
		Confidence float64   `json:"confidence"`
		Reason     string    `json:"reason"`
		Timestamp  time.Time `json:"timestamp"`
	}

	// DelegationStatus is the query view of a running delegation frame.
	DelegationStatus struct {
		CurrentAgent    string           `json:"current_agent"`
		CurrentAction   string           `json:"current_action"`
		DelegationDepth int              `json:"delegation_depth"`
		DelegationChain []string         `json:"delegation_chain"`
		DecisionsMade   []DecisionRecord `json:"decisions_made"`
		StartTime       time.Time        `json:"start_time"`
		LastUpdate      time.Time        `json:"last_update"`
		Paused          bool             `json:"paused"`
		Cancelled       bool             `json:"cancelled"`
	}

	// EscalationEntry is one attempt in the direct assignment escalation
	// log, stored under task metadata key "escalation_log".
	EscalationEntry struct {
		Attempt   int       `json:"attempt"`
		VEID      string    `json:"ve_id"`
		AgentType string    `json:"agent_type"`
		Status    string    `json:"status"`
		Reason    string    `json:"reason,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// UpdateTaskStatusInput drives the status/publish activity.
	UpdateTaskStatusInput struct {
		TaskID          string         `json:"task_id"`
		Status          string         `json:"status"`
		AgentType       string         `json:"agent_type,omitempty"`
		ProgressMessage string         `json:"progress_message,omitempty"`
		Phase           string         `json:"phase,omitempty"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}

	// UpdateTaskStatusResult reports the applied update.
	UpdateTaskStatusResult struct {
		TaskID       string `json:"task_id"`
		Status       string `json:"status"`
		AssignedVEID string `json:"assigned_to_ve_id,omitempty"`
	}

	// GetCustomerVEsInput fetches a tenant's hired agents.
	GetCustomerVEsInput struct {
		CustomerID string `json:"customer_id"`
	}

	// AnalyzeRoutingInput runs routing analysis.
	AnalyzeRoutingInput struct {
		CustomerID      string         `json:"customer_id"`
		TaskDescription string         `json:"task_description"`
		Context         map[string]any `json:"context,omitempty"`
	}

	// DecideDelegationInput runs the delegation decision.
	DecideDelegationInput struct {
		AgentType       string         `json:"agent_type"`
		TaskDescription string         `json:"task_description"`
		Context         map[string]any `json:"context,omitempty"`
	}

	// InvokeAgentInput invokes an agent through the gateway.
	InvokeAgentInput struct {
		CustomerID string `json:"customer_id"`
		AgentType  string `json:"agent_type"`
		Message    string `json:"message"`
		SessionID  string `json:"session_id,omitempty"`
	}

	// SaveTaskResultInput persists an agent output and the terminal status.
	SaveTaskResultInput struct {
		TaskID     string `json:"task_id"`
		Message    string `json:"message"`
		Status     string `json:"status"`
		AuthorType string `json:"author_type,omitempty"`
	}

	// SaveTaskResultOutput acknowledges a persisted result.
	SaveTaskResultOutput struct {
		Success bool `json:"success"`
	}

	// CreateTaskPlanInput drafts the execution plan.
	CreateTaskPlanInput struct {
		TaskID          string         `json:"task_id"`
		TaskDescription string         `json:"task_description"`
		AgentType       string         `json:"agent_type"`
		Context         map[string]any `json:"context,omitempty"`
	}

	// CreateTaskPlanResult reports the drafted plan.
	CreateTaskPlanResult struct {
		Success bool   `json:"success"`
		PlanID  string `json:"plan_id,omitempty"`
		Summary string `json:"summary,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	// CheckBreakerInput consults the delegation circuit breaker.
	CheckBreakerInput struct {
		WorkflowID string `json:"workflow_id"`
		CustomerID string `json:"customer_id"`
		AgentType  string `json:"agent_type"`
		Depth      int    `json:"depth"`
	}

	// CheckBreakerResult reports whether the delegation may proceed.
	CheckBreakerResult struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason,omitempty"`
	}
)
