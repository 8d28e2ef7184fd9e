// Package breaker bounds delegation volume: recursion depth, per-customer
// delegations per hour, and per-agent-type delegations per hour. It is the
// pre-check consulted before every delegation spawn.
//
// Counters are process-local. The workflow engine serializes writes per
// workflow, and the window resets hourly.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

type (
	// Limits configures the breaker thresholds. Zero fields take the
	// documented defaults.
	Limits struct {
		MaxDepth            int
		MaxCustomerPerHour  int
		MaxAgentTypePerHour int
		Window              time.Duration
	}

	// Rejection explains why a delegation was refused. A rejected delegation
	// is never retried; the caller either handles locally or fails the task.
	Rejection struct {
		Reason string
	}

	// Breaker tracks delegation counts per hourly window. Per-agent-type
	// counts slide with the window; per-customer counts and recorded depths
	// are cleared once a full window has elapsed since the last reset.
	Breaker struct {
		limits Limits
		now    func() time.Time

		mu        sync.Mutex
		resetAt   time.Time
		depths    map[string]int
		customers map[string]int
		agents    map[string][]time.Time
	}

	// Stats is a point-in-time snapshot of breaker state.
	Stats struct {
		ActiveWorkflows int
		CustomerCounts  map[string]int
		AgentRates      map[string]int
		ResetAt         time.Time
	}
)

// Error implements error.
func (r *Rejection) Error() string { return r.Reason }

// New returns a breaker with the given limits.
func New(limits Limits) *Breaker {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = 5
	}
	if limits.MaxCustomerPerHour <= 0 {
		limits.MaxCustomerPerHour = 100
	}
	if limits.MaxAgentTypePerHour <= 0 {
		limits.MaxAgentTypePerHour = 50
	}
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	b := &Breaker{
		limits:    limits,
		now:       time.Now,
		depths:    make(map[string]int),
		customers: make(map[string]int),
		agents:    make(map[string][]time.Time),
	}
	b.resetAt = b.now()
	return b
}

// CheckAndRecord verifies the delegation is within bounds and, if so, records
// it. A non-nil error is always a *Rejection.
func (b *Breaker) CheckAndRecord(workflowID, customerID, agentType string, depth int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.resetAt) > b.limits.Window {
		b.reset(now)
	}

	if depth > b.limits.MaxDepth {
		return &Rejection{Reason: fmt.Sprintf("max delegation depth (%d) exceeded", b.limits.MaxDepth)}
	}
	if b.customers[customerID] >= b.limits.MaxCustomerPerHour {
		return &Rejection{Reason: fmt.Sprintf("customer delegation limit (%d/hour) exceeded", b.limits.MaxCustomerPerHour)}
	}
	recent := b.recentAgentDelegations(agentType, now)
	if len(recent) >= b.limits.MaxAgentTypePerHour {
		return &Rejection{Reason: fmt.Sprintf("agent rate limit (%d/hour) exceeded for %s", b.limits.MaxAgentTypePerHour, agentType)}
	}

	b.depths[workflowID] = depth
	b.customers[customerID]++
	b.agents[agentType] = append(recent, now)
	return nil
}

// Stats returns a snapshot of current breaker state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	customers := make(map[string]int, len(b.customers))
	for k, v := range b.customers {
		customers[k] = v
	}
	agents := make(map[string]int, len(b.agents))
	for k := range b.agents {
		agents[k] = len(b.recentAgentDelegations(k, now))
	}
	return Stats{
		ActiveWorkflows: len(b.depths),
		CustomerCounts:  customers,
		AgentRates:      agents,
		ResetAt:         b.resetAt,
	}
}

func (b *Breaker) recentAgentDelegations(agentType string, now time.Time) []time.Time {
	var recent []time.Time
	for _, ts := range b.agents[agentType] {
		if now.Sub(ts) < b.limits.Window {
			recent = append(recent, ts)
		}
	}
	return recent
}

func (b *Breaker) reset(now time.Time) {
	b.depths = make(map[string]int)
	b.customers = make(map[string]int)
	b.agents = make(map[string][]time.Time)
	b.resetAt = now
}
