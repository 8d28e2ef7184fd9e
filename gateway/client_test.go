package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/veplatform/control-plane/tenancy"
)

type fakeTeam struct{ block string }

func (f fakeTeam) TeamContext(context.Context, string, string) (string, error) {
	return f.block, nil
}

func sseBody(frames ...string) string {
	out := ""
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out
}

func agentFrame(text string, final bool) string {
	return fmt.Sprintf(`{"result":{"status":{"message":{"role":"agent","parts":[{"kind":"text","text":%q}]}},"final":%t}}`, text, final)
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string, team TeamContextProvider) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: url, Detector: tenancy.NewLeakageDetector(), Team: team})
	require.NoError(t, err)
	return c
}

func TestInvokeHappyPath(t *testing.T) {
	customer := uuid.NewString()
	var captured rpcRequest
	var gotHost, gotCustomer, gotAccept string

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotCustomer = r.Header.Get("X-Customer-ID")
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(agentFrame("Draft plan: launch campaign", false), `{"result":{"final":true}}`))
	})

	c := newClient(t, srv.URL, fakeTeam{block: "Your Team (Hired Agents):\n- Dev"})
	resp, err := c.Invoke(context.Background(), Request{
		CustomerID: customer,
		AgentType:  "marketing-manager",
		Message:    "Write Q1 marketing plan",
	})
	require.NoError(t, err)

	require.Equal(t, "Draft plan: launch campaign", resp.Message)
	require.False(t, resp.Blocked)
	require.Equal(t, customer, resp.CustomerID)

	require.Equal(t, "marketing-manager.local", gotHost)
	require.Equal(t, customer, gotCustomer)
	require.Equal(t, "text/event-stream", gotAccept)

	require.Equal(t, "2.0", captured.JSONRPC)
	require.Equal(t, "message/stream", captured.Method)
	require.Equal(t, "message", captured.Params.Message.Kind)
	require.Equal(t, "user", captured.Params.Message.Role)
	require.Equal(t, "ctx-"+customer, captured.Params.Message.ContextID)
	require.Len(t, captured.Params.Message.Parts, 1)
	// Team context is injected ahead of the user message.
	require.Contains(t, captured.Params.Message.Parts[0].Text, "Your Team (Hired Agents):")
	require.Contains(t, captured.Params.Message.Parts[0].Text, "User Request: Write Q1 marketing plan")
}

func TestInvokeStreamEvents(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			agentFrame("thinking...", false),
			`{"result":{"artifact":{"parts":[{"kind":"text","text":"report.md"}]},"final":false}}`,
			`{"result":{"final":true}}`,
		))
	})

	c := newClient(t, srv.URL, nil)
	events, err := c.InvokeStream(context.Background(), Request{
		CustomerID: uuid.NewString(),
		AgentType:  "wellness",
		Message:    "hello",
	})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Equal(t, []Event{
		{Type: EventMessage, Content: "thinking..."},
		{Type: EventArtifact, Content: "report.md"},
	}, got)
}

func TestInvokeStreamGatewayError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := newClient(t, srv.URL, nil)
	events, err := c.InvokeStream(context.Background(), Request{
		CustomerID: uuid.NewString(),
		AgentType:  "wellness",
		Message:    "hello",
	})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.Equal(t, EventError, got[0].Type)
	require.Contains(t, got[0].Content, "502")
}

func TestInvokeDegradesOnGatewayError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := newClient(t, srv.URL, nil)
	resp, err := c.Invoke(context.Background(), Request{
		CustomerID: uuid.NewString(),
		AgentType:  "wellness",
		Message:    "hello",
	})
	require.NoError(t, err)
	require.Contains(t, resp.Message, "technical difficulties")
	require.True(t, resp.Failed)
	require.False(t, resp.Blocked)
}

func TestInvokeBlocksCrossCustomerLeak(t *testing.T) {
	mine := uuid.NewString()
	other := uuid.NewString()

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(agentFrame("customer "+other+" spent $9000", true)))
	})

	c := newClient(t, srv.URL, nil)
	resp, err := c.Invoke(context.Background(), Request{
		CustomerID: mine,
		AgentType:  "wellness",
		Message:    "summarize spending",
	})
	require.NoError(t, err)
	require.True(t, resp.Blocked)
	require.NotContains(t, resp.Message, other)
	require.Contains(t, resp.Message, "SECURITY REDACTED")
}

func TestInvokeOwnUUIDNotBlocked(t *testing.T) {
	mine := uuid.NewString()
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(agentFrame("your account "+mine+" is in good standing", true)))
	})

	c := newClient(t, srv.URL, nil)
	resp, err := c.Invoke(context.Background(), Request{CustomerID: mine, AgentType: "wellness", Message: "status"})
	require.NoError(t, err)
	require.False(t, resp.Blocked)
}

func TestSessionIDBecomesContextID(t *testing.T) {
	var captured rpcRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"result":{"final":true}}`))
	})

	c := newClient(t, srv.URL, nil)
	_, err := c.Invoke(context.Background(), Request{
		CustomerID: uuid.NewString(),
		AgentType:  "wellness",
		Message:    "hello",
		SessionID:  "plan-task-1",
	})
	require.NoError(t, err)
	require.Equal(t, "plan-task-1", captured.Params.Message.ContextID)
}

func TestValidation(t *testing.T) {
	c := newClient(t, "http://localhost:1", nil)
	_, err := c.Invoke(context.Background(), Request{AgentType: "wellness", Message: "hi"})
	require.Error(t, err)
	_, err = c.InvokeStream(context.Background(), Request{CustomerID: uuid.NewString(), Message: "hi"})
	require.Error(t, err)
}
