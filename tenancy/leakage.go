package tenancy

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"goa.design/clue/log"
)

// Alert severities, ordered least to most serious.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types.
const (
	AlertPII           = "pii"
	AlertCrossCustomer = "cross_customer"
	AlertSecret        = "secret"
)

type (
	// LeakageAlert is a single finding from scanning agent output.
	LeakageAlert struct {
		Severity    string
		Type        string
		Description string
		Timestamp   time.Time
		Context     map[string]any
	}

	// LeakageDetector scans outbound agent text for PII, secrets, and
	// foreign tenant identifiers. It is stateless and safe for concurrent
	// use.
	LeakageDetector struct {
		email *regexp.Regexp
		phone *regexp.Regexp
		ssn   *regexp.Regexp
		uuid  *regexp.Regexp
		key   *regexp.Regexp
		jwt   *regexp.Regexp
	}
)

// NewLeakageDetector compiles the detection patterns.
func NewLeakageDetector() *LeakageDetector {
	return &LeakageDetector{
		email: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		phone: regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
		ssn:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		uuid:  regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`),
		key:   regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
		jwt:   regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`),
	}
}

// Scan inspects content produced on behalf of customerID and returns any
// alerts. Any UUID that is not the current tenant's id is treated as potential
// cross-customer leakage.
func (d *LeakageDetector) Scan(ctx context.Context, content, customerID string) []LeakageAlert {
	now := time.Now().UTC()
	var alerts []LeakageAlert

	if d.email.MatchString(content) || d.phone.MatchString(content) || d.ssn.MatchString(content) {
		snippet := content
		if len(snippet) > 50 {
			snippet = snippet[:50] + "..."
		}
		alerts = append(alerts, LeakageAlert{
			Severity:    SeverityMedium,
			Type:        AlertPII,
			Description: "potential PII detected in output",
			Timestamp:   now,
			Context:     map[string]any{"content_snippet": snippet},
		})
	}

	if d.key.MatchString(content) || d.jwt.MatchString(content) {
		alerts = append(alerts, LeakageAlert{
			Severity:    SeverityCritical,
			Type:        AlertSecret,
			Description: "potential API key or token detected",
			Timestamp:   now,
			Context:     map[string]any{"content_snippet": "REDACTED"},
		})
	}

	if foreign := d.foreignUUIDs(content, customerID); len(foreign) > 0 {
		alerts = append(alerts, LeakageAlert{
			Severity:    SeverityHigh,
			Type:        AlertCrossCustomer,
			Description: fmt.Sprintf("potential cross-customer leakage: found %d foreign UUIDs", len(foreign)),
			Timestamp:   now,
			Context:     map[string]any{"uuids": foreign},
		})
	}

	for _, a := range alerts {
		log.Warn(ctx,
			log.KV{K: "msg", V: "security alert"},
			log.KV{K: "severity", V: a.Severity},
			log.KV{K: "type", V: a.Type},
			log.KV{K: "customer_id", V: customerID},
			log.KV{K: "description", V: a.Description},
		)
	}
	return alerts
}

// Blocking reports whether any alert warrants replacing the payload.
func Blocking(alerts []LeakageAlert) bool {
	for _, a := range alerts {
		if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func (d *LeakageDetector) foreignUUIDs(content, customerID string) []string {
	var foreign []string
	for _, id := range d.uuid.FindAllString(content, -1) {
		if id != customerID {
			foreign = append(foreign, id)
		}
	}
	return foreign
}
