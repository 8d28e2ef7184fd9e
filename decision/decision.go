// Package decision implements the delegation decision activities: the
// LLM-backed decide step with schema validation and retry, the routing
// analysis with its keyword fallback, and plan generation.
package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Actions an agent can choose.
const (
	ActionHandle           = "handle"
	ActionDelegate         = "delegate"
	ActionParallel         = "parallel"
	ActionAskClarification = "ask_clarification"
)

// Decision methods.
const (
	MethodLLM      = "llm"
	MethodFallback = "fallback"
)

type (
	// Subtask is one unit of a parallel split.
	Subtask struct {
		Agent string `json:"agent"`
		Task  string `json:"task"`
	}

	// Decision is the typed record returned by the decide activity.
	Decision struct {
		Action      string    `json:"action"`
		DelegatedTo string    `json:"delegated_to,omitempty"`
		Subtasks    []Subtask `json:"subtasks,omitempty"`
		Reason      string    `json:"reason"`
		Confidence  float64   `json:"confidence"`
		Method      string    `json:"method,omitempty"`
	}
)

// decisionSchema constrains the LLM response: the action enum, conditional
// requirements (delegate needs a target, parallel needs at least two
// subtasks), and the confidence range.
const decisionSchema = `{
  "type": "object",
  "required": ["action", "reason", "confidence"],
  "properties": {
    "action": {"enum": ["handle", "delegate", "parallel", "ask_clarification"]},
    "delegated_to": {"type": "string", "minLength": 1},
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent", "task"],
        "properties": {
          "agent": {"type": "string", "minLength": 1},
          "task": {"type": "string", "minLength": 1}
        }
      }
    },
    "reason": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"const": "delegate"}}},
      "then": {"required": ["delegated_to"]}
    },
    {
      "if": {"properties": {"action": {"const": "parallel"}}},
      "then": {"required": ["subtasks"], "properties": {"subtasks": {"minItems": 2}}}
    }
  ]
}`

var compiledDecisionSchema = mustCompileSchema(decisionSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal decision schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		panic(fmt.Sprintf("add decision schema: %v", err))
	}
	sch, err := c.Compile("decision.json")
	if err != nil {
		panic(fmt.Sprintf("compile decision schema: %v", err))
	}
	return sch
}

// ParseDecision extracts the JSON payload from an LLM response and validates
// it against the decision schema.
func ParseDecision(content string) (Decision, error) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return Decision{}, fmt.Errorf("no JSON object found in response")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	if err := compiledDecisionSchema.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("decision schema: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of LLM output: a fenced code block
// first, then the raw content, then the outermost brace pair.
func ExtractJSON(content string) (json.RawMessage, bool) {
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		return json.RawMessage(m[1]), true
	}
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed), true
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		candidate := content[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}

// Fallback returns the decision used when analysis fails: the agent handles
// the task itself with low confidence.
func Fallback(reason string) Decision {
	return Decision{
		Action:     ActionHandle,
		Reason:     reason,
		Confidence: 0.3,
		Method:     MethodFallback,
	}
}
