// Package audit records append-only security and policy events. Recording is
// best-effort: sink failures are logged and swallowed so audit writes never
// fail the request that produced them.
package audit

import (
	"context"
	"time"

	"goa.design/clue/log"
)

type (
	// Event is a single append-only audit record. Events are never mutated
	// after being recorded.
	Event struct {
		Timestamp  time.Time      `bson:"timestamp" json:"timestamp"`
		EventType  string         `bson:"event_type" json:"event_type"`
		AgentType  string         `bson:"agent_type,omitempty" json:"agent_type,omitempty"`
		CustomerID string         `bson:"customer_id,omitempty" json:"customer_id,omitempty"`
		Success    bool           `bson:"success" json:"success"`
		Details    map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	}

	// Recorder appends events to an audit sink.
	Recorder interface {
		Record(ctx context.Context, ev Event)
	}

	// Sink persists events. Implementations may fail; the recorder tolerates
	// and logs failures.
	Sink interface {
		Append(ctx context.Context, ev Event) error
	}

	recorder struct {
		sink Sink
	}

	noop struct{}
)

// Fabric and tenancy event types. Handlers and services reference these
// constants rather than raw strings so the audit stream stays greppable.
const (
	EventRouteCreated       = "route_created"
	EventPolicyCreated      = "policy_created"
	EventPolicyDeleted      = "policy_deleted"
	EventAccessGranted      = "access_granted"
	EventAccessRevoked      = "access_revoked"
	EventAccessGrantFailed  = "access_grant_failed"
	EventAccessRevokeFailed = "access_revoke_failed"
	EventRouteDeleted       = "route_deleted"
	EventRouteDeleteBlocked = "route_delete_blocked"
	EventRouteDeleteFailed  = "route_delete_failed"
	EventAgentRequest       = "agent_request"
	EventLeakageBlocked     = "leakage_blocked"
)

// New returns a Recorder that appends to sink and mirrors every event to the
// structured log. A nil sink records to the log only.
func New(sink Sink) Recorder {
	return &recorder{sink: sink}
}

// Noop returns a Recorder that drops all events. Used by tests and by
// components constructed without an audit trail.
func Noop() Recorder {
	return noop{}
}

func (r *recorder) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	kvs := []log.Fielder{
		log.KV{K: "msg", V: "audit event"},
		log.KV{K: "event_type", V: ev.EventType},
		log.KV{K: "agent_type", V: ev.AgentType},
		log.KV{K: "customer_id", V: ev.CustomerID},
		log.KV{K: "success", V: ev.Success},
	}
	if ev.Success {
		log.Info(ctx, kvs...)
	} else {
		log.Error(ctx, nil, kvs...)
	}
	if r.sink == nil {
		return
	}
	if err := r.sink.Append(ctx, ev); err != nil {
		log.Errorf(ctx, err, "append audit event %s", ev.EventType)
	}
}

func (noop) Record(context.Context, Event) {}
