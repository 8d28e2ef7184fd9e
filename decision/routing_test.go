package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veplatform/control-plane/gateway"
)

type stubInvoker struct {
	reply string
	err   error
	reqs  []gateway.Request
}

func (s *stubInvoker) Invoke(_ context.Context, req gateway.Request) (gateway.Response, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return gateway.Response{}, s.err
	}
	return gateway.Response{Message: s.reply, AgentType: req.AgentType, CustomerID: req.CustomerID}, nil
}

func TestAnalyzeUsesOrchestratorReply(t *testing.T) {
	inv := &stubInvoker{reply: "```json\n{\"routing_info\": {\"primary_agent\": \"marketing-manager\"}, \"thought_process\": \"marketing task\"}\n```"}
	r := NewRouter(inv, "devops-manager")

	got := r.Analyze(context.Background(), "c1", "Write Q1 marketing plan", nil)
	require.Equal(t, "marketing-manager", got.TargetAgent)
	require.Equal(t, "marketing task", got.Reason)

	require.Len(t, inv.reqs, 1)
	require.Equal(t, systemOrchestratorAgent, inv.reqs[0].AgentType)
	require.Equal(t, "c1", inv.reqs[0].CustomerID)
}

func TestAnalyzeReadsDecisionTargetAgent(t *testing.T) {
	inv := &stubInvoker{reply: `{"decision": {"target_agent": "wellness"}}`}
	r := NewRouter(inv, "devops-manager")

	got := r.Analyze(context.Background(), "c1", "book a retreat", nil)
	require.Equal(t, "wellness", got.TargetAgent)
}

func TestAnalyzeFallsBackOnGatewayError(t *testing.T) {
	inv := &stubInvoker{err: errors.New("gateway down")}
	r := NewRouter(inv, "devops-manager")

	got := r.Analyze(context.Background(), "c1", "write a blog post about launch", nil)
	require.Equal(t, "marketing-manager", got.TargetAgent)
	require.Contains(t, got.Reason, "Fallback routing")
}

func TestAnalyzeFallsBackOnUnparseableReply(t *testing.T) {
	inv := &stubInvoker{reply: "sure, I will route this for you!"}
	r := NewRouter(inv, "devops-manager")

	got := r.Analyze(context.Background(), "c1", "fix the deploy pipeline bug", nil)
	require.Equal(t, "devops-manager", got.TargetAgent)
}

func TestHeuristic(t *testing.T) {
	r := NewRouter(nil, "bootstrap-agent")
	require.Equal(t, "devops-manager", r.Heuristic("Fix the server bug"))
	require.Equal(t, "marketing-manager", r.Heuristic("Write a blog post"))
	require.Equal(t, "bootstrap-agent", r.Heuristic("plan the offsite"))
}
