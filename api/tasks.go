package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/orchestration"
	"github.com/veplatform/control-plane/store"
)

type (
	createTaskRequest struct {
		Description string         `json:"description"`
		Context     map[string]any `json:"context,omitempty"`
	}

	patchTaskRequest struct {
		Title    string `json:"title,omitempty"`
		Priority string `json:"priority,omitempty"`
	}

	feedbackRequest struct {
		Message string `json:"message"`
	}

	assignRequest struct {
		VEID string `json:"ve_id"`
	}

	taskView struct {
		store.Task
		Comments []store.Comment `json:"comments,omitempty"`
	}
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Description == "" {
		respondError(w, http.StatusBadRequest, "description is required")
		return
	}
	result, err := s.orc.Route(r.Context(), customer, req.Description, req.Context, "")
	if err != nil {
		log.Errorf(r.Context(), err, "route task")
		respondError(w, http.StatusInternalServerError, "failed to start task")
		return
	}
	respond(w, http.StatusCreated, result)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	comments, err := s.store.ListComments(r.Context(), task.ID)
	if err != nil {
		log.Errorf(r.Context(), err, "list comments for %s", task.ID)
	}
	respond(w, http.StatusOK, taskView{Task: task, Comments: comments})
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	upd := store.TaskUpdate{Metadata: map[string]any{}}
	if req.Title != "" {
		upd.Metadata["title"] = req.Title
	}
	if req.Priority != "" {
		upd.Metadata["priority"] = req.Priority
	}
	updated, err := s.store.UpdateTask(r.Context(), task.ID, upd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}
	respond(w, http.StatusOK, updated)
}

// deleteTask terminates every well-known workflow of the task before marking
// it cancelled.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if err := s.orc.Terminate(r.Context(), task.ID, "task deleted by user"); err != nil {
		log.Errorf(r.Context(), err, "terminate workflows for %s", task.ID)
	}
	status := store.TaskCancelled
	if _, err := s.store.UpdateTask(r.Context(), task.ID, store.TaskUpdate{Status: &status}); err != nil {
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deleted", "task_id": task.ID})
}

func (s *Server) approvePlan(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if planID, ok := task.Metadata["latest_plan_id"].(string); ok && planID != "" {
		if err := s.store.SetPlanStatus(r.Context(), planID, store.PlanApproved); err != nil {
			log.Errorf(r.Context(), err, "approve plan %s", planID)
		}
	}
	if err := s.orc.Signal(r.Context(), task.ID, orchestration.SignalApprovePlan, nil); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to signal workflow")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "approved", "task_id": task.ID})
}

func (s *Server) provideFeedback(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.store.AppendComment(r.Context(), store.Comment{
		TaskID:     task.ID,
		CustomerID: task.CustomerID,
		AuthorType: store.AuthorCustomer,
		Content:    req.Message,
	}); err != nil {
		log.Errorf(r.Context(), err, "record feedback comment")
	}
	if err := s.orc.Signal(r.Context(), task.ID, orchestration.SignalProvideFeedback, req.Message); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to signal workflow")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "received", "task_id": task.ID})
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VEID == "" {
		respondError(w, http.StatusBadRequest, "ve_id is required")
		return
	}
	if err := s.orc.Assign(r.Context(), task.CustomerID, task.ID, req.VEID, task.Description); err != nil {
		log.Errorf(r.Context(), err, "assign task %s", task.ID)
		respondError(w, http.StatusInternalServerError, "failed to assign task")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "assigned", "task_id": task.ID, "ve_id": req.VEID})
}

func (s *Server) signalHandler(signal string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.ownedTask(w, r)
		if !ok {
			return
		}
		if err := s.orc.Signal(r.Context(), task.ID, signal, nil); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to signal workflow")
			return
		}
		respond(w, http.StatusOK, map[string]string{"status": "ok", "signal": signal, "task_id": task.ID})
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	if err := s.orc.Signal(r.Context(), task.ID, orchestration.SignalCancelDelegation, nil); err != nil {
		log.Errorf(r.Context(), err, "cancel signal for %s", task.ID)
	}
	status := store.TaskCancelled
	if _, err := s.store.UpdateTask(r.Context(), task.ID, store.TaskUpdate{Status: &status}); err != nil {
		respondError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": task.ID})
}

func (s *Server) delegationStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	status, err := s.orc.DelegationStatus(r.Context(), task.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no delegation workflow for task")
		return
	}
	respond(w, http.StatusOK, status)
}

func (s *Server) delegationChain(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}
	chain, err := s.orc.DelegationChain(r.Context(), task.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no delegation workflow for task")
		return
	}
	respond(w, http.StatusOK, map[string]any{"task_id": task.ID, "delegation_chain": chain})
}

// invokeAgent is the enforced tenant-facing invocation path. The enforcement
// middleware has already validated the path tenant id; the gateway client
// injects it as the X-Customer-ID header and scans the response.
func (s *Server) invokeAgent(w http.ResponseWriter, r *http.Request) {
	if s.invoker == nil {
		respondError(w, http.StatusNotImplemented, "agent invocation not configured")
		return
	}
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return
	}
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	resp, err := s.invoker.Invoke(r.Context(), gateway.Request{
		CustomerID: customer,
		AgentType:  chi.URLParam(r, "agentType"),
		Message:    req.Message,
		SessionID:  req.SessionID,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "agent invocation failed")
		return
	}
	respond(w, http.StatusOK, resp)
}
