// Package roster discovers the delegation-allowed peers of an agent within a
// tenant's hired team. The peer set is what the invocation client prepends as
// team context and what the delegation decision activity lists as choices.
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/store"
)

type (
	// Peer is one delegation target visible to the current agent.
	Peer struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		AgentType  string   `json:"agent_type"`
		Role       string   `json:"role"`
		Department string   `json:"department"`
		Tools      []string `json:"tools"`
	}

	// Service resolves peers from the hired-agent store and the marketplace
	// catalog.
	Service struct {
		tasks   store.TaskStore
		catalog store.Catalog
	}
)

// New returns a roster service.
func New(tasks store.TaskStore, catalog store.Catalog) (*Service, error) {
	if tasks == nil {
		return nil, errors.New("task store is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &Service{tasks: tasks, catalog: catalog}, nil
}

// Peers returns the delegation targets of currentAgentType within the
// tenant's hired team:
//
//   - self is excluded;
//   - same department: managers may delegate to anyone, seniors to juniors
//     (and peers), juniors never upward;
//   - cross department: only to the other department's manager.
//
// Tool lists come from the agent catalog; a missing catalog entry leaves the
// peer with no tools rather than dropping it.
func (s *Service) Peers(ctx context.Context, customerID, currentAgentType string) ([]Peer, error) {
	hired, err := s.tasks.ListHiredAgents(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list hired agents: %w", err)
	}

	var current *store.HiredAgent
	for i := range hired {
		if hired[i].AgentType == currentAgentType {
			current = &hired[i]
			break
		}
	}

	var peers []Peer
	for _, candidate := range hired {
		if candidate.AgentType == currentAgentType {
			continue
		}
		if current != nil && !mayDelegate(*current, candidate) {
			continue
		}
		peer := Peer{
			ID:         candidate.ID,
			Name:       candidate.PersonaName,
			AgentType:  candidate.AgentType,
			Role:       candidate.Role,
			Department: candidate.Department,
		}
		if entry, err := s.catalog.GetAgent(ctx, candidate.AgentType); err == nil {
			peer.Tools = entry.Tools
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Warn(ctx,
				log.KV{K: "msg", V: "catalog lookup failed"},
				log.KV{K: "agent_type", V: candidate.AgentType},
				log.KV{K: "err", V: err.Error()},
			)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func mayDelegate(from, to store.HiredAgent) bool {
	sameDept := strings.EqualFold(from.Department, to.Department)
	if !sameDept {
		// Cross department: only the other department's manager.
		return isManager(to)
	}
	if isManager(from) {
		return true
	}
	fromTier := store.SeniorityRank(from.Seniority)
	toTier := store.SeniorityRank(to.Seniority)
	// Delegation never flows upward within a department.
	return toTier >= fromTier
}

func isManager(a store.HiredAgent) bool {
	return a.Seniority == store.SeniorityManager || strings.Contains(strings.ToLower(a.Role), "manager")
}

// TeamContext resolves the peer set and renders it as the prompt block the
// invocation client injects ahead of the user message.
func (s *Service) TeamContext(ctx context.Context, customerID, currentAgentType string) (string, error) {
	peers, err := s.Peers(ctx, customerID, currentAgentType)
	if err != nil {
		return "", err
	}
	return FormatTeamContext(peers), nil
}

// FormatTeamContext renders the peer set as the prompt block injected ahead
// of the user message.
func FormatTeamContext(peers []Peer) string {
	if len(peers) == 0 {
		return "Your Team: No other agents available."
	}
	lines := []string{"Your Team (Hired Agents):"}
	for _, p := range peers {
		tools := "no tools"
		if len(p.Tools) > 0 {
			tools = strings.Join(p.Tools, ", ")
		}
		lines = append(lines, fmt.Sprintf("- %s (ID: %s, Role: %s, Tools: %s)", p.Name, p.ID, p.Role, tools))
	}
	lines = append(lines,
		"",
		"If you need a tool you don't have, use delegate_to_agent(agent_id, task_description).",
		"Example: If asked about Kubernetes but you lack kubectl, delegate to the DevOps agent.",
	)
	return strings.Join(lines, "\n")
}
