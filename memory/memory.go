// Package memory provides the customer-scoped agent memory substrate. Agents
// never receive the raw vector store: they get a Scoped handle bound to one
// tenant id, which composes the tenant filter into every operation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCustomerFilterRequired reports a raw store call whose filter lacks the
// tenant id. Store implementations enforce this as defense in depth behind
// the Scoped handle.
var ErrCustomerFilterRequired = errors.New("customer_id required in filter")

type (
	// Document is a stored memory item.
	Document struct {
		ID         string
		CustomerID string
		Content    string
		Metadata   map[string]any
		Embedding  []float64
		Score      float64
		CreatedAt  time.Time
	}

	// Filter is a conjunctive predicate over document fields. The key
	// "customer_id" is mandatory on every store operation.
	Filter map[string]any

	// Store is the raw vector store contract. It must reject any operation
	// whose filter lacks a customer id.
	Store interface {
		Search(ctx context.Context, query string, filter Filter, topK int) ([]Document, error)
		Add(ctx context.Context, doc Document) (string, error)
		Query(ctx context.Context, filter Filter, limit int) ([]Document, error)
		Delete(ctx context.Context, filter Filter) error
	}

	// Scoped binds a Store to a fixed tenant id. The handle cannot be
	// rebound: the id is captured at construction and composed into every
	// predicate, and caller-supplied filters cannot override it.
	Scoped struct {
		db         Store
		customerID string
	}
)

// NewScoped returns a memory handle bound to customerID.
func NewScoped(db Store, customerID string) (*Scoped, error) {
	if db == nil {
		return nil, errors.New("store is required")
	}
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}
	return &Scoped{db: db, customerID: customerID}, nil
}

// CustomerID returns the tenant the handle is bound to.
func (s *Scoped) CustomerID() string { return s.customerID }

// Search returns the tenant's memories most relevant to query. Extra filter
// keys narrow the search further; a caller-supplied customer_id is discarded.
func (s *Scoped) Search(ctx context.Context, query string, topK int, extra Filter) ([]Document, error) {
	return s.db.Search(ctx, query, s.scope(extra), topK)
}

// Add stores content tagged with the tenant id and returns the document id.
func (s *Scoped) Add(ctx context.Context, content string, metadata map[string]any) (string, error) {
	return s.db.Add(ctx, Document{
		CustomerID: s.customerID,
		Content:    content,
		Metadata:   metadata,
	})
}

// Query returns the tenant's memories matching the filter in insertion order.
func (s *Scoped) Query(ctx context.Context, extra Filter, limit int) ([]Document, error) {
	return s.db.Query(ctx, s.scope(extra), limit)
}

// ClearSession deletes the tenant's memories for one session.
func (s *Scoped) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return s.db.Delete(ctx, s.scope(Filter{"session_id": sessionID}))
}

// scope composes the tenant predicate over the caller's filter. The tenant id
// always wins.
func (s *Scoped) scope(extra Filter) Filter {
	out := make(Filter, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out["customer_id"] = s.customerID
	return out
}

// RequireCustomerFilter is the shared guard store implementations apply before
// touching data.
func RequireCustomerFilter(filter Filter) (string, error) {
	id, ok := filter["customer_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: got %v", ErrCustomerFilterRequired, filter)
	}
	return id, nil
}
