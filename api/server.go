// Package api exposes the thin tenant-facing HTTP surface: task operations
// that start or signal the owning workflows, hire/unhire paired with access
// fabric mutations, and the enforced /agents invocation path. Handlers stay
// thin; all behavior lives in the orchestration, fabric, and gateway
// packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/log"

	"github.com/veplatform/control-plane/audit"
	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/memory"
	"github.com/veplatform/control-plane/orchestration"
	"github.com/veplatform/control-plane/store"
	"github.com/veplatform/control-plane/tenancy"
)

type (
	// Orchestrator is the orchestration entry point consumed by the task
	// handlers. Implemented by orchestration.TaskRouter.
	Orchestrator interface {
		Route(ctx context.Context, customerID, description string, taskContext map[string]any, taskID string) (orchestration.RouteResult, error)
		Assign(ctx context.Context, customerID, taskID, veID, description string) error
		Signal(ctx context.Context, taskID, signal string, payload any) error
		DelegationStatus(ctx context.Context, taskID string) (orchestration.DelegationStatus, error)
		DelegationChain(ctx context.Context, taskID string) ([]string, error)
		Terminate(ctx context.Context, taskID, reason string) error
	}

	// Access is the fabric surface consumed by hire/unhire. Implemented by
	// fabric.Service.
	Access interface {
		GrantCustomerAccess(ctx context.Context, agentType, customerID, namespace string) error
		RevokeCustomerAccess(ctx context.Context, agentType, customerID, namespace string) error
	}

	// Invoker invokes agents for the /agents path. Implemented by
	// gateway.Client.
	Invoker interface {
		Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error)
	}

	// Options configures the server.
	Options struct {
		Orchestrator Orchestrator
		Store        store.TaskStore
		Catalog      store.Catalog
		Access       Access
		Invoker      Invoker
		Memory       memory.Store
		Audit        audit.Recorder
	}

	// Server is the HTTP handler set.
	Server struct {
		orc     Orchestrator
		store   store.TaskStore
		catalog store.Catalog
		access  Access
		invoker Invoker
		memory  memory.Store
		auditor audit.Recorder
	}
)

// New builds the server.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	auditor := opts.Audit
	if auditor == nil {
		auditor = audit.Noop()
	}
	return &Server{
		orc:     opts.Orchestrator,
		store:   opts.Store,
		catalog: opts.Catalog,
		access:  opts.Access,
		invoker: opts.Invoker,
		memory:  opts.Memory,
		auditor: auditor,
	}, nil
}

// Handler assembles the router with CORS and the tenancy enforcement
// middleware mounted over the /agents subtree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Customer-ID"},
	}))
	r.Use(tenancy.Enforce(s.auditor))

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/{taskID}", s.getTask)
			r.Patch("/{taskID}", s.patchTask)
			r.Delete("/{taskID}", s.deleteTask)
			r.Post("/{taskID}/plan/approve", s.approvePlan)
			r.Post("/{taskID}/feedback", s.provideFeedback)
			r.Post("/{taskID}/assign", s.assignTask)
			r.Post("/{taskID}/pause", s.signalHandler(orchestration.SignalPauseDelegation))
			r.Post("/{taskID}/resume", s.signalHandler(orchestration.SignalResumeDelegation))
			r.Post("/{taskID}/cancel", s.cancelTask)
			r.Get("/{taskID}/delegation", s.delegationStatus)
			r.Get("/{taskID}/delegation/chain", s.delegationChain)
		})
		r.Route("/memory", func(r chi.Router) {
			r.Post("/", s.addMemory)
			r.Post("/search", s.searchMemory)
		})
		r.Route("/ves", func(r chi.Router) {
			r.Get("/", s.listVEs)
			r.Post("/", s.hireVE)
			r.Delete("/{veID}", s.unhireVE)
		})
	})

	r.Post("/agents/{customerID}/{agentType}", s.invokeAgent)
	return r
}

// customerID resolves the authenticated tenant. The auth layer upstream
// validates the session and forwards the tenant id; agent routes get it from
// the enforcement middleware instead.
func customerID(r *http.Request) string {
	if id, ok := tenancy.CustomerIDFrom(r.Context()); ok {
		return id
	}
	id := r.Header.Get("X-Customer-ID")
	if !tenancy.ValidCustomerID(id) {
		return ""
	}
	return id
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// ownedTask loads the task and verifies tenant ownership. Foreign tasks are
// reported as 404, never as 403, so existence is not leaked across tenants.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (store.Task, bool) {
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return store.Task{}, false
	}
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.CustomerID != customer) {
		respondError(w, http.StatusNotFound, "task not found")
		return store.Task{}, false
	}
	if err != nil {
		log.Errorf(r.Context(), err, "load task %s", taskID)
		respondError(w, http.StatusInternalServerError, "internal error")
		return store.Task{}, false
	}
	return task, true
}
