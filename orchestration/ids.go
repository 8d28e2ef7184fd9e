package orchestration

import "fmt"

// Workflow ids are deterministic functions of the task id so the HTTP surface
// can signal, query, and terminate workflows without storing handles.

// OrchestratorWorkflowID names the root workflow of a task.
func OrchestratorWorkflowID(taskID string) string {
	return "orchestrator-" + taskID
}

// DelegationWorkflowID names the root delegation workflow of a task.
func DelegationWorkflowID(taskID string) string {
	return "intelligent-delegation-" + taskID
}

// ChildDelegationWorkflowID names a delegated child at the given depth.
// Parallel siblings disambiguate with the subtask index.
func ChildDelegationWorkflowID(taskID string, depth, index int) string {
	if index > 0 {
		return fmt.Sprintf("delegation-%s-%d-%d", taskID, depth, index)
	}
	return fmt.Sprintf("delegation-%s-%d", taskID, depth)
}

// DirectAssignmentWorkflowID names the direct assignment workflow of a task.
func DirectAssignmentWorkflowID(taskID string) string {
	return "direct-assignment-" + taskID
}

// TaskWorkflowIDs lists every well-known workflow id a task may own. Task
// deletion terminates all of them.
func TaskWorkflowIDs(taskID string) []string {
	return []string{
		OrchestratorWorkflowID(taskID),
		DelegationWorkflowID(taskID),
		DirectAssignmentWorkflowID(taskID),
	}
}
