package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/veplatform/control-plane/store"
)

type hireRequest struct {
	AgentType   string `json:"agent_type"`
	PersonaName string `json:"persona_name,omitempty"`
}

func (s *Server) listVEs(w http.ResponseWriter, r *http.Request) {
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return
	}
	agents, err := s.store.ListHiredAgents(r.Context(), customer)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond(w, http.StatusOK, agents)
}

// hireVE creates the tenant's handle on a marketplace agent. Hiring must
// grant gateway access: when the fabric grant fails the hire is rolled back
// so no agent is ever hired without a traversable route.
func (s *Server) hireVE(w http.ResponseWriter, r *http.Request) {
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return
	}
	var req hireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentType == "" {
		respondError(w, http.StatusBadRequest, "agent_type is required")
		return
	}

	entry, err := s.catalog.GetAgent(r.Context(), req.AgentType)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown agent type")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	persona := req.PersonaName
	if persona == "" {
		persona = entry.Role
	}
	hired := store.HiredAgent{
		ID:          uuid.NewString(),
		CustomerID:  customer,
		AgentType:   entry.AgentType,
		PersonaName: persona,
		Status:      "active",
		Role:        entry.Role,
		Department:  entry.Department,
		Seniority:   entry.Seniority,
	}
	if err := s.store.InsertHiredAgent(r.Context(), hired); err != nil {
		respondError(w, http.StatusInternalServerError, "hire failed")
		return
	}

	if s.access != nil {
		if err := s.access.GrantCustomerAccess(r.Context(), entry.AgentType, customer, ""); err != nil {
			log.Errorf(r.Context(), err, "grant access for %s", entry.AgentType)
			if _, delErr := s.store.DeleteHiredAgent(r.Context(), customer, hired.ID); delErr != nil {
				log.Errorf(r.Context(), delErr, "roll back hire %s", hired.ID)
			}
			respondError(w, http.StatusBadGateway, "failed to grant agent access")
			return
		}
	}
	respond(w, http.StatusCreated, hired)
}

// unhireVE removes the handle and revokes gateway access.
func (s *Server) unhireVE(w http.ResponseWriter, r *http.Request) {
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return
	}
	removed, err := s.store.DeleteHiredAgent(r.Context(), customer, chi.URLParam(r, "veID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "hired agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unhire failed")
		return
	}
	if s.access != nil {
		if err := s.access.RevokeCustomerAccess(r.Context(), removed.AgentType, customer, ""); err != nil {
			log.Errorf(r.Context(), err, "revoke access for %s", removed.AgentType)
		}
	}
	respond(w, http.StatusOK, map[string]string{"status": "unhired", "id": removed.ID})
}
