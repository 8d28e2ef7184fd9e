package breaker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(limits Limits) (*Breaker, *time.Time) {
	b := New(limits)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.resetAt = now
	return b, &now
}

func TestAllowsWithinLimits(t *testing.T) {
	b, _ := newTestBreaker(Limits{})
	require.NoError(t, b.CheckAndRecord("wf-1", "c1", "marketing-manager", 0))
	require.NoError(t, b.CheckAndRecord("wf-2", "c1", "marketing-manager", 3))
}

func TestRejectsDepth(t *testing.T) {
	b, _ := newTestBreaker(Limits{MaxDepth: 5})
	err := b.CheckAndRecord("wf-1", "c1", "marketing-manager", 6)
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	require.Contains(t, rej.Reason, "depth")

	// Boundary: depth == max is still allowed.
	require.NoError(t, b.CheckAndRecord("wf-1", "c1", "marketing-manager", 5))
}

func TestRejectsCustomerRate(t *testing.T) {
	b, _ := newTestBreaker(Limits{MaxCustomerPerHour: 3, MaxAgentTypePerHour: 100})
	for i := 0; i < 3; i++ {
		require.NoError(t, b.CheckAndRecord(fmt.Sprintf("wf-%d", i), "c1", fmt.Sprintf("agent-%d", i), 0))
	}
	err := b.CheckAndRecord("wf-4", "c1", "agent-4", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "customer delegation limit")

	// Other customers are unaffected.
	require.NoError(t, b.CheckAndRecord("wf-5", "c2", "agent-5", 0))
}

func TestRejectsAgentRate(t *testing.T) {
	b, _ := newTestBreaker(Limits{MaxAgentTypePerHour: 2})
	require.NoError(t, b.CheckAndRecord("wf-1", "c1", "wellness", 0))
	require.NoError(t, b.CheckAndRecord("wf-2", "c2", "wellness", 0))
	err := b.CheckAndRecord("wf-3", "c3", "wellness", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "agent rate limit")
}

func TestWindowReset(t *testing.T) {
	b, now := newTestBreaker(Limits{MaxCustomerPerHour: 1})
	require.NoError(t, b.CheckAndRecord("wf-1", "c1", "wellness", 0))
	require.Error(t, b.CheckAndRecord("wf-2", "c1", "wellness", 0))

	*now = now.Add(61 * time.Minute)
	require.NoError(t, b.CheckAndRecord("wf-3", "c1", "wellness", 0))
}

func TestStats(t *testing.T) {
	b, _ := newTestBreaker(Limits{})
	require.NoError(t, b.CheckAndRecord("wf-1", "c1", "wellness", 2))
	require.NoError(t, b.CheckAndRecord("wf-2", "c1", "devops-manager", 0))

	stats := b.Stats()
	require.Equal(t, 2, stats.ActiveWorkflows)
	require.Equal(t, 2, stats.CustomerCounts["c1"])
	require.Equal(t, 1, stats.AgentRates["wellness"])
}
