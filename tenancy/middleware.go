package tenancy

import (
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/audit"
)

// Enforce returns middleware that guards every /agents/... route. The second
// path segment must be a valid tenant UUID; requests without one are rejected
// with 403 before reaching any handler. Accepted requests carry the tenant id
// and a correlation hash on their context and produce one audit event each.
//
// Routes outside /agents/ pass through untouched.
func Enforce(rec audit.Recorder) func(http.Handler) http.Handler {
	if rec == nil {
		rec = audit.Noop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/agents/") {
				next.ServeHTTP(w, r)
				return
			}

			customerID := pathCustomerID(r.URL.Path)
			if customerID == "" {
				log.Error(r.Context(), nil,
					log.KV{K: "msg", V: "agent request missing customer id"},
					log.KV{K: "path", V: r.URL.Path},
				)
				http.Error(w, "Forbidden: customer_id required for agent access", http.StatusForbidden)
				return
			}
			if !ValidCustomerID(customerID) {
				log.Error(r.Context(), nil,
					log.KV{K: "msg", V: "agent request with malformed customer id"},
					log.KV{K: "customer_id", V: customerID},
				)
				http.Error(w, "Forbidden: invalid customer_id format", http.StatusForbidden)
				return
			}

			hash := ContextHash(customerID, r.URL.Path, time.Now())
			ctx := WithCustomerID(r.Context(), customerID)
			ctx = withContextHash(ctx, hash)

			rec.Record(ctx, audit.Event{
				EventType:  audit.EventAgentRequest,
				CustomerID: customerID,
				Success:    true,
				Details: map[string]any{
					"path":         r.URL.Path,
					"method":       r.Method,
					"context_hash": hash,
					"remote_addr":  r.RemoteAddr,
				},
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func pathCustomerID(path string) string {
	parts := strings.Split(path, "/")
	// path shape: /agents/{customer_id}/...
	if len(parts) >= 3 && parts[1] == "agents" {
		return parts[2]
	}
	return ""
}
