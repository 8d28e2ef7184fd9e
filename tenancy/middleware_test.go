package tenancy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/veplatform/control-plane/audit"
)

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Append(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func newEnforced(sink audit.Sink) (http.Handler, *bool, *string) {
	var called bool
	var seenCustomer string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if id, ok := CustomerIDFrom(r.Context()); ok {
			seenCustomer = id
		}
		w.WriteHeader(http.StatusOK)
	})
	return Enforce(audit.New(sink))(inner), &called, &seenCustomer
}

func TestEnforcePassesValidCustomer(t *testing.T) {
	sink := &captureSink{}
	h, called, seen := newEnforced(sink)
	customer := uuid.NewString()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/agents/"+customer+"/wellness", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, *called)
	require.Equal(t, customer, *seen)

	require.Len(t, sink.events, 1)
	require.Equal(t, audit.EventAgentRequest, sink.events[0].EventType)
	require.Equal(t, customer, sink.events[0].CustomerID)
	require.NotEmpty(t, sink.events[0].Details["context_hash"])
}

func TestEnforceRejectsMissingCustomer(t *testing.T) {
	h, called, _ := newEnforced(&captureSink{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agents/", nil))

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.False(t, *called)
}

func TestEnforceRejectsMalformedCustomer(t *testing.T) {
	h, called, _ := newEnforced(&captureSink{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/agents/not-a-uuid/wellness", nil))

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.False(t, *called)
}

func TestEnforceIgnoresOtherRoutes(t *testing.T) {
	sink := &captureSink{}
	h, called, _ := newEnforced(sink)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, *called)
	require.Empty(t, sink.events)
}
