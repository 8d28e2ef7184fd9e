package api

import (
	"encoding/json"
	"net/http"

	"github.com/veplatform/control-plane/memory"
)

type (
	addMemoryRequest struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	searchMemoryRequest struct {
		Query string        `json:"query"`
		TopK  int           `json:"top_k,omitempty"`
		Where memory.Filter `json:"where,omitempty"`
	}

	memoryView struct {
		ID       string         `json:"id"`
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Score    float64        `json:"score,omitempty"`
	}
)

// scopedMemory binds the raw store to the authenticated tenant. The handle is
// the only way memory leaves this package: handlers never touch the raw
// store with a caller-supplied filter.
func (s *Server) scopedMemory(w http.ResponseWriter, r *http.Request) (*memory.Scoped, bool) {
	if s.memory == nil {
		respondError(w, http.StatusNotImplemented, "memory not configured")
		return nil, false
	}
	customer := customerID(r)
	if customer == "" {
		respondError(w, http.StatusForbidden, "customer context required")
		return nil, false
	}
	scoped, err := memory.NewScoped(s.memory, customer)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return scoped, true
}

func (s *Server) addMemory(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.scopedMemory(w, r)
	if !ok {
		return
	}
	var req addMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	id, err := scoped.Add(r.Context(), req.Content, req.Metadata)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store failed")
		return
	}
	respond(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) searchMemory(w http.ResponseWriter, r *http.Request) {
	scoped, ok := s.scopedMemory(w, r)
	if !ok {
		return
	}
	var req searchMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	docs, err := scoped.Search(r.Context(), req.Query, topK, req.Where)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	out := make([]memoryView, 0, len(docs))
	for _, d := range docs {
		out = append(out, memoryView{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Score: d.Score})
	}
	respond(w, http.StatusOK, out)
}
