package fabric

import (
	"encoding/json"
	"fmt"
	"strings"
)

// denyAllExpression requires a header value that never occurs, closing the
// route to all traffic. It is the expression of an empty allowed_customers
// list.
const denyAllExpression = `request.headers['X-Customer-ID'] == 'deny-all-default'`

// allowedCustomersAnnotation is the policy annotation holding the canonical
// JSON array of tenant ids. The access expression is a pure function of it.
const allowedCustomersAnnotation = "allowed_customers"

// Expression derives the access expression from the allowed customer list.
// Empty list means deny-all.
func Expression(customers []string) string {
	if len(customers) == 0 {
		return denyAllExpression
	}
	quoted := make([]string, len(customers))
	for i, id := range customers {
		quoted[i] = "'" + id + "'"
	}
	return fmt.Sprintf("request.headers['X-Customer-ID'] in [%s]", strings.Join(quoted, ", "))
}

// parseAllowedCustomers decodes the annotation value. Malformed or missing
// values decode to the empty (deny-all) list.
func parseAllowedCustomers(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// marshalAllowedCustomers encodes the canonical annotation value. The empty
// list encodes as "[]", never "null".
func marshalAllowedCustomers(customers []string) string {
	if customers == nil {
		customers = []string{}
	}
	raw, _ := json.Marshal(customers)
	return string(raw)
}
