package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"goa.design/clue/log"

	"github.com/veplatform/control-plane/store"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// decider. It is satisfied by *sdk.MessageService; tests pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type (
	// DeciderOptions configures the LLM-backed decider.
	DeciderOptions struct {
		// Client is the Anthropic messages client. Required.
		Client MessagesClient
		// Model is the Claude model identifier. Required.
		Model string
		// MaxAttempts bounds validation retries. Defaults to 3.
		MaxAttempts int
		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int64
	}

	// Decider asks the acting agent's model for a structured delegation
	// decision, validating the response against the decision schema and
	// retrying with a tightened prompt on contract violations. It never
	// fails a task: exhausted retries fall back to handle with low
	// confidence.
	Decider struct {
		msg         MessagesClient
		model       string
		maxAttempts int
		maxTokens   int64
	}

	// DecideInput describes the pending decision.
	DecideInput struct {
		AgentType       string
		TaskDescription string
		Context         map[string]any
		AvailableAgents []store.HiredAgent
	}
)

// NewDecider constructs a Decider.
func NewDecider(opts DeciderOptions) (*Decider, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Decider{msg: opts.Client, model: opts.Model, maxAttempts: maxAttempts, maxTokens: maxTokens}, nil
}

// NewDeciderFromAPIKey constructs a Decider with the default Anthropic HTTP
// client.
func NewDeciderFromAPIKey(apiKey, model string) (*Decider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewDecider(DeciderOptions{Client: &ac.Messages, Model: model})
}

// Decide returns the agent's delegation decision. The returned decision is
// always valid: on model or contract failure it is the fallback.
func (d *Decider) Decide(ctx context.Context, in DecideInput) Decision {
	system := systemPrompt(in.AgentType)
	user := userPrompt(in)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		prompt := user
		if lastErr != nil {
			prompt += fmt.Sprintf("\n\nYour previous response was invalid (%v). Respond with ONLY a JSON object matching the required shape, no prose.", lastErr)
		}
		msg, err := d.msg.New(ctx, sdk.MessageNewParams{
			Model:     sdk.Model(d.model),
			MaxTokens: d.maxTokens,
			System:    []sdk.TextBlockParam{{Text: system}},
			Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		})
		if err != nil {
			log.Errorf(ctx, err, "delegation decision attempt %d", attempt)
			lastErr = err
			continue
		}
		decided, err := ParseDecision(messageText(msg))
		if err != nil {
			log.Warn(ctx,
				log.KV{K: "msg", V: "delegation decision failed validation"},
				log.KV{K: "attempt", V: attempt},
				log.KV{K: "err", V: err.Error()},
			)
			lastErr = err
			continue
		}
		decided.Method = MethodLLM
		log.Info(ctx,
			log.KV{K: "msg", V: "delegation decision"},
			log.KV{K: "agent_type", V: in.AgentType},
			log.KV{K: "action", V: decided.Action},
			log.KV{K: "confidence", V: decided.Confidence},
		)
		return decided
	}
	return Fallback(fmt.Sprintf("Error in delegation analysis, defaulting to self-execution: %v", lastErr))
}

func systemPrompt(agentType string) string {
	return fmt.Sprintf(`You are a %s with expertise in task delegation and team coordination.

Your role is to analyze tasks and make intelligent delegation decisions based on:
1. Task complexity and requirements
2. Team member expertise and availability
3. Efficiency and quality considerations

You can choose to:
- HANDLE: Execute the task yourself if it's within your expertise
- DELEGATE: Assign to ONE specialist if they're better suited
- PARALLEL: Split among MULTIPLE team members for faster completion
- ASK_CLARIFICATION: Ask the user if requirements are ambiguous or key information (budget, timeline) is missing

Respond with a JSON object: {"action": "handle"|"delegate"|"parallel"|"ask_clarification", "delegated_to": "<agent_type>", "subtasks": [{"agent": "...", "task": "..."}], "reason": "...", "confidence": 0.0-1.0}`, agentType)
}

func userPrompt(in DecideInput) string {
	var team []string
	for _, a := range in.AvailableAgents {
		team = append(team, fmt.Sprintf("- %s (%s): %s", a.AgentType, a.Seniority, a.PersonaName))
	}
	priority := contextString(in.Context, "priority", "medium")
	dueDate := contextString(in.Context, "due_date", "Not specified")
	feedback := contextString(in.Context, "user_feedback", "None")
	return fmt.Sprintf(`TASK: %s

CONTEXT:
- Priority: %s
- Due Date: %s
- User Feedback History: %s

AVAILABLE TEAM MEMBERS:
%s

Analyze this task and decide the best delegation strategy. Consider:
1. Is the task clear? If NO, ask for clarification.
2. Can YOU handle this alone effectively?
3. Would ONE specialist be better suited?
4. Should this be SPLIT among multiple people for parallel work?

Provide your decision with clear reasoning.`,
		in.TaskDescription, priority, dueDate, feedback, strings.Join(team, "\n"))
}

func contextString(ctx map[string]any, key, fallback string) string {
	if v, ok := ctx[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func messageText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
