package orchestration

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// NewWorker builds a Temporal worker on the task queue with every workflow
// and activity registered.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Register attaches the workflows and activities to a worker. Registration
// uses the stable wire names so workflow histories survive refactors.
func Register(w worker.Worker, acts *Activities) {
	w.RegisterWorkflowWithOptions(OrchestratorWorkflow, workflow.RegisterOptions{Name: OrchestratorWorkflowName})
	w.RegisterWorkflowWithOptions(IntelligentDelegationWorkflow, workflow.RegisterOptions{Name: DelegationWorkflowName})
	w.RegisterWorkflowWithOptions(DirectAssignmentWorkflow, workflow.RegisterOptions{Name: DirectAssignmentWorkflowName})

	w.RegisterActivityWithOptions(acts.UpdateTaskStatus, activity.RegisterOptions{Name: ActivityUpdateTaskStatus})
	w.RegisterActivityWithOptions(acts.GetCustomerVEs, activity.RegisterOptions{Name: ActivityGetCustomerVEs})
	w.RegisterActivityWithOptions(acts.AnalyzeRouting, activity.RegisterOptions{Name: ActivityAnalyzeRouting})
	w.RegisterActivityWithOptions(acts.DecideDelegation, activity.RegisterOptions{Name: ActivityDecideDelegation})
	w.RegisterActivityWithOptions(acts.InvokeAgent, activity.RegisterOptions{Name: ActivityInvokeAgent})
	w.RegisterActivityWithOptions(acts.SaveTaskResult, activity.RegisterOptions{Name: ActivitySaveTaskResult})
	w.RegisterActivityWithOptions(acts.CreateTaskPlan, activity.RegisterOptions{Name: ActivityCreateTaskPlan})
	w.RegisterActivityWithOptions(acts.CheckBreaker, activity.RegisterOptions{Name: ActivityCheckBreaker})
}
