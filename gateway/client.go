// Package gateway implements the agent invocation client. It speaks the
// shared agent gateway's JSON-RPC message/stream protocol over HTTP with SSE
// responses, injects the tenant headers, prepends the team-context block, and
// scans every outgoing response through the leakage detector before returning
// it to callers.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/veplatform/control-plane/audit"
	"github.com/veplatform/control-plane/tenancy"
)

// Event types emitted on the invocation stream.
const (
	EventMessage  = "message"
	EventArtifact = "artifact"
	EventError    = "error"
)

// redactedPlaceholder replaces any response that trips a high or critical
// leakage alert.
const redactedPlaceholder = "[SECURITY REDACTED] - Potential data leakage detected."

type (
	// Request identifies one agent invocation. CustomerID and AgentType are
	// injected by the caller's context and never taken from the agent's
	// response or the message payload.
	Request struct {
		CustomerID string
		AgentType  string
		Message    string
		SessionID  string
	}

	// Event is one element of an invocation stream.
	Event struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}

	// Response is the result of a non-streaming invocation. Blocked is set
	// when the leakage detector replaced the payload; Failed is set when the
	// gateway produced no response at all and Message holds the apology
	// text.
	Response struct {
		Message    string `json:"message"`
		AgentType  string `json:"agent_type"`
		CustomerID string `json:"customer_id"`
		Blocked    bool   `json:"blocked,omitempty"`
		Failed     bool   `json:"failed,omitempty"`
	}

	// TeamContextProvider renders the delegation-allowed peer block for the
	// current agent. Implemented by roster.Service.
	TeamContextProvider interface {
		TeamContext(ctx context.Context, customerID, currentAgentType string) (string, error)
	}

	// Options configures the client.
	Options struct {
		// BaseURL is the agent gateway endpoint. Required.
		BaseURL string
		// HTTPClient overrides the underlying client. Its timeout applies to
		// the whole stream; defaults to sixty seconds.
		HTTPClient *http.Client
		// Timeout bounds an invocation when HTTPClient is nil.
		Timeout time.Duration
		// Detector scans outgoing responses. Required.
		Detector *tenancy.LeakageDetector
		// Team supplies the team-context prelude. Optional.
		Team TeamContextProvider
		// Audit records leakage blocks. Optional.
		Audit audit.Recorder
		// RatePerSecond throttles gateway calls across the process. Zero
		// disables throttling.
		RatePerSecond float64
	}

	// Client invokes agents through the shared gateway.
	Client struct {
		baseURL  string
		http     *http.Client
		detector *tenancy.LeakageDetector
		team     TeamContextProvider
		auditor  audit.Recorder
		cb       *gobreaker.CircuitBreaker
		limiter  *rate.Limiter
		tracer   trace.Tracer
	}

	rpcRequest struct {
		JSONRPC string    `json:"jsonrpc"`
		Method  string    `json:"method"`
		Params  rpcParams `json:"params"`
		ID      string    `json:"id"`
	}

	rpcParams struct {
		Message  wireMessage    `json:"message"`
		Metadata map[string]any `json:"metadata"`
	}

	wireMessage struct {
		Kind      string         `json:"kind"`
		MessageID string         `json:"messageId"`
		Role      string         `json:"role"`
		Parts     []wirePart     `json:"parts"`
		ContextID string         `json:"contextId"`
		Metadata  map[string]any `json:"metadata"`
	}

	wirePart struct {
		Kind string `json:"kind"`
		Text string `json:"text,omitempty"`
	}

	sseFrame struct {
		Result *sseResult `json:"result"`
	}

	sseResult struct {
		Status *struct {
			Message *struct {
				Role  string     `json:"role"`
				Parts []wirePart `json:"parts"`
			} `json:"message"`
		} `json:"status"`
		Artifact *struct {
			Parts []wirePart `json:"parts"`
		} `json:"artifact"`
		Final bool `json:"final"`
	}
)

// New constructs a gateway client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("leakage detector is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	auditor := opts.Audit
	if auditor == nil {
		auditor = audit.Noop()
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), int(opts.RatePerSecond)+1)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agent-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     httpClient,
		detector: opts.Detector,
		team:     opts.Team,
		auditor:  auditor,
		cb:       cb,
		limiter:  limiter,
		tracer:   otel.Tracer("veplatform/gateway"),
	}, nil
}

// InvokeStream opens the SSE stream and emits events until the gateway sends
// the final frame. The returned channel is always closed; transport and
// protocol failures surface as a single error event, never a panic or a
// returned error mid-stream.
func (c *Client) InvokeStream(ctx context.Context, req Request) (<-chan Event, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		c.stream(ctx, req, out)
	}()
	return out, nil
}

// Invoke performs a non-streaming invocation: the stream is drained and the
// last message or artifact text is returned. Gateway failures degrade to an
// apology message rather than an error so workflow activities can persist a
// response either way. The outgoing text is scanned for leakage; high or
// critical alerts replace it with a redacted placeholder and set Blocked.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := validate(req); err != nil {
		return Response{}, err
	}

	ctx, span := c.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("agent_type", req.AgentType),
	))
	defer span.End()

	events := make(chan Event)
	go func() {
		defer close(events)
		c.stream(ctx, req, events)
	}()

	var message string
	var failed string
	for ev := range events {
		switch ev.Type {
		case EventMessage, EventArtifact:
			message = ev.Content
		case EventError:
			failed = ev.Content
		}
	}
	resp := Response{AgentType: req.AgentType, CustomerID: req.CustomerID, Message: message}
	if message == "" {
		if failed != "" {
			resp.Message = fmt.Sprintf("I apologize, but I'm currently experiencing technical difficulties. (%s)", failed)
			resp.Failed = true
		} else {
			resp.Message = "No response from agent"
		}
	}
	message = resp.Message

	alerts := c.detector.Scan(ctx, message, req.CustomerID)
	if tenancy.Blocking(alerts) {
		log.Error(ctx, nil,
			log.KV{K: "msg", V: "blocked leakage in agent response"},
			log.KV{K: "agent_type", V: req.AgentType},
			log.KV{K: "customer_id", V: req.CustomerID},
		)
		c.auditor.Record(ctx, audit.Event{
			EventType:  audit.EventLeakageBlocked,
			AgentType:  req.AgentType,
			CustomerID: req.CustomerID,
			Success:    false,
			Details:    map[string]any{"alerts": len(alerts)},
		})
		resp.Message = redactedPlaceholder
		resp.Blocked = true
	}
	return resp, nil
}

func validate(req Request) error {
	if req.CustomerID == "" {
		return errors.New("customer id is required")
	}
	if req.AgentType == "" {
		return errors.New("agent type is required")
	}
	return nil
}

func (c *Client) stream(ctx context.Context, req Request, out chan<- Event) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			out <- Event{Type: EventError, Content: err.Error()}
			return
		}
	}

	body := req.Message
	if c.team != nil {
		if teamCtx, err := c.team.TeamContext(ctx, req.CustomerID, req.AgentType); err == nil && teamCtx != "" {
			body = teamCtx + "\n\nUser Request: " + req.Message
		} else if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "team context unavailable"}, log.KV{K: "err", V: err.Error()})
		}
	}

	payload, err := json.Marshal(c.envelope(req, body))
	if err != nil {
		out <- Event{Type: EventError, Content: err.Error()}
		return
	}

	result, err := c.cb.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("X-Customer-ID", req.CustomerID)
		// The gateway routes on the Host header, not the URL.
		httpReq.Host = req.AgentType + ".local"

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gateway error: %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "agent gateway call failed"},
			log.KV{K: "agent_type", V: req.AgentType},
		)
		out <- Event{Type: EventError, Content: err.Error()}
		return
	}

	resp := result.(*http.Response)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame sseFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil || frame.Result == nil {
			continue
		}
		res := frame.Result
		if res.Status != nil && res.Status.Message != nil && res.Status.Message.Role == "agent" {
			for _, part := range res.Status.Message.Parts {
				if part.Kind == "text" {
					out <- Event{Type: EventMessage, Content: part.Text}
				}
			}
		} else if res.Artifact != nil {
			for _, part := range res.Artifact.Parts {
				if part.Kind == "text" {
					out <- Event{Type: EventArtifact, Content: part.Text}
				}
			}
		}
		if res.Final {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Event{Type: EventError, Content: err.Error()}
	}
}

func (c *Client) envelope(req Request, body string) rpcRequest {
	contextID := req.SessionID
	if contextID == "" {
		contextID = "ctx-" + req.CustomerID
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Message))
	return rpcRequest{
		JSONRPC: "2.0",
		Method:  "message/stream",
		ID:      "req-" + req.CustomerID,
		Params: rpcParams{
			Message: wireMessage{
				Kind:      "message",
				MessageID: fmt.Sprintf("msg-%s-%d", req.CustomerID, h.Sum64()),
				Role:      "user",
				Parts:     []wirePart{{Kind: "text", Text: body}},
				ContextID: contextID,
				Metadata:  map[string]any{"displaySource": "user"},
			},
			Metadata: map[string]any{},
		},
	}
}
