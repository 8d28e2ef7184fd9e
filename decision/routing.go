package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/gateway"
)

// Invoker is the subset of the gateway client used by routing and planning.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

type (
	// Routing is the result of routing analysis.
	Routing struct {
		TargetAgent string `json:"target_agent"`
		Reason      string `json:"reason"`
	}

	// Router delegates routing analysis to the system-orchestrator agent and
	// falls back to a keyword heuristic when it is unreachable. The fallback
	// never fails the task.
	Router struct {
		invoker        Invoker
		bootstrapAgent string
	}

	orchestratorReply struct {
		RoutingInfo struct {
			PrimaryAgent string `json:"primary_agent"`
		} `json:"routing_info"`
		Decision struct {
			TargetAgent string `json:"target_agent"`
		} `json:"decision"`
		ThoughtProcess string `json:"thought_process"`
	}
)

// systemOrchestratorAgent is the designated routing agent.
const systemOrchestratorAgent = "system-orchestrator"

// NewRouter constructs a Router. bootstrapAgent is the final fallback target.
func NewRouter(invoker Invoker, bootstrapAgent string) *Router {
	if bootstrapAgent == "" {
		bootstrapAgent = "devops-manager"
	}
	return &Router{invoker: invoker, bootstrapAgent: bootstrapAgent}
}

// Analyze picks the initial agent for a task. Preferred path: ask the
// system-orchestrator and parse its structured reply. On any failure the
// keyword heuristic answers instead.
func (r *Router) Analyze(ctx context.Context, customerID, taskDescription string, taskContext map[string]any) Routing {
	routing, err := r.analyzeLLM(ctx, customerID, taskDescription, taskContext)
	if err == nil {
		return routing
	}
	log.Errorf(ctx, err, "routing analysis failed, using keyword fallback")
	return Routing{
		TargetAgent: r.Heuristic(taskDescription),
		Reason:      fmt.Sprintf("Fallback routing used due to error: %v", err),
	}
}

func (r *Router) analyzeLLM(ctx context.Context, customerID, taskDescription string, taskContext map[string]any) (Routing, error) {
	if r.invoker == nil {
		return Routing{}, fmt.Errorf("no invoker configured")
	}
	ctxJSON, _ := json.Marshal(taskContext)
	resp, err := r.invoker.Invoke(ctx, gateway.Request{
		CustomerID: customerID,
		AgentType:  systemOrchestratorAgent,
		Message: fmt.Sprintf(`Please analyze this task and determine the best routing.
Task: %s
Context: %s

Return JSON with 'routing_info' containing 'primary_agent'.`, taskDescription, ctxJSON),
		SessionID: "routing-" + customerID,
	})
	if err != nil {
		return Routing{}, err
	}
	raw, ok := ExtractJSON(resp.Message)
	if !ok {
		return Routing{}, fmt.Errorf("could not parse orchestrator response")
	}
	var reply orchestratorReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Routing{}, fmt.Errorf("decode orchestrator response: %w", err)
	}
	target := reply.RoutingInfo.PrimaryAgent
	if target == "" {
		target = reply.Decision.TargetAgent
	}
	if target == "" {
		return Routing{}, fmt.Errorf("orchestrator response names no agent")
	}
	reason := reply.ThoughtProcess
	if reason == "" {
		reason = resp.Message
	}
	return Routing{TargetAgent: target, Reason: reason}, nil
}

// Heuristic maps task keywords onto a department manager. It is the routing
// path of last resort and always returns an agent type.
func (r *Router) Heuristic(taskDescription string) string {
	lower := strings.ToLower(taskDescription)
	for _, kw := range []string{"code", "deploy", "server", "bug", "fix"} {
		if strings.Contains(lower, kw) {
			return "devops-manager"
		}
	}
	for _, kw := range []string{"post", "write", "blog", "social"} {
		if strings.Contains(lower, kw) {
			return "marketing-manager"
		}
	}
	return r.bootstrapAgent
}
