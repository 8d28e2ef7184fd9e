// Package fabric reconciles the tenant access plane: one HTTPRoute per
// marketplace agent and a sibling TrafficPolicy whose access expression names
// the tenants allowed to traverse it. All mutations go through JSON merge
// patches so concurrent grants and revokes compose; full-object updates are
// never issued.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"goa.design/clue/log"

	"github.com/veplatform/control-plane/audit"
)

var (
	routeGVR = schema.GroupVersionResource{
		Group:    "gateway.networking.k8s.io",
		Version:  "v1",
		Resource: "httproutes",
	}
	policyGVR = schema.GroupVersionResource{
		Group:    "gateway.kgateway.dev",
		Version:  "v1alpha1",
		Resource: "trafficpolicies",
	}
)

// platformSelector labels every object the fabric owns.
const platformSelector = "app=ve-platform"

type (
	// DeleteProtectedError reports a route deletion refused because tenants
	// still hold access.
	DeleteProtectedError struct {
		AgentType string
		Customers int
	}

	// Options configures the fabric service.
	Options struct {
		// Client is the dynamic Kubernetes client. Required.
		Client dynamic.Interface
		// Namespace is the default namespace for agent routes and policies.
		Namespace string
		// GatewayName and GatewayNamespace identify the parent gateway.
		GatewayName      string
		GatewayNamespace string
		// Audit records every fabric mutation. Optional.
		Audit audit.Recorder
	}

	// Service performs the idempotent route and policy operations.
	Service struct {
		dyn              dynamic.Interface
		namespace        string
		gatewayName      string
		gatewayNamespace string
		auditor          audit.Recorder
	}

	// RouteInfo describes a created or existing agent route.
	RouteInfo struct {
		RouteName string `json:"route_name"`
		AgentType string `json:"agent_type"`
		Gateway   string `json:"gateway,omitempty"`
		Backend   string `json:"backend,omitempty"`
		Hostname  string `json:"hostname,omitempty"`
		Status    string `json:"status"`
	}
)

// Error implements error.
func (e *DeleteProtectedError) Error() string {
	return fmt.Sprintf("cannot delete agent %s: %d customers still have active access. Revoke access first.", e.AgentType, e.Customers)
}

// New constructs the fabric service.
func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("dynamic client is required")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "kagent"
	}
	gatewayName := opts.GatewayName
	if gatewayName == "" {
		gatewayName = "agent-gateway"
	}
	gatewayNamespace := opts.GatewayNamespace
	if gatewayNamespace == "" {
		gatewayNamespace = "kgateway-system"
	}
	auditor := opts.Audit
	if auditor == nil {
		auditor = audit.Noop()
	}
	return &Service{
		dyn:              opts.Client,
		namespace:        namespace,
		gatewayName:      gatewayName,
		gatewayNamespace: gatewayNamespace,
		auditor:          auditor,
	}, nil
}

func routeName(agentType string) string  { return "agent-" + agentType }
func policyName(agentType string) string { return "rbac-" + agentType }

func (s *Service) ns(override string) string {
	if override != "" {
		return override
	}
	return s.namespace
}

// CreateAgentRoute ensures the HTTPRoute for {agentType}.local and its
// sibling deny-all TrafficPolicy exist. Both creations are idempotent:
// already-exists is success.
func (s *Service) CreateAgentRoute(ctx context.Context, agentType, namespace string) (RouteInfo, error) {
	if agentType == "" {
		return RouteInfo{}, errors.New("agent type is required")
	}
	ns := s.ns(namespace)

	route := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": routeGVR.Group + "/" + routeGVR.Version,
		"kind":       "HTTPRoute",
		"metadata": map[string]any{
			"name":      routeName(agentType),
			"namespace": ns,
			"labels": map[string]any{
				"app":        "ve-platform",
				"agent-type": agentType,
			},
		},
		"spec": map[string]any{
			"parentRefs": []any{map[string]any{
				"name":      s.gatewayName,
				"namespace": s.gatewayNamespace,
			}},
			"hostnames": []any{agentType + ".local"},
			"rules": []any{map[string]any{
				"backendRefs": []any{map[string]any{
					"name":      agentType,
					"namespace": ns,
					"port":      int64(8080),
				}},
			}},
		},
	}}

	info := RouteInfo{
		RouteName: routeName(agentType),
		AgentType: agentType,
		Gateway:   s.gatewayName + "." + s.gatewayNamespace,
		Backend:   fmt.Sprintf("%s.%s:8080", agentType, ns),
		Hostname:  agentType + ".local",
		Status:    "created",
	}

	_, err := s.dyn.Resource(routeGVR).Namespace(ns).Create(ctx, route, metav1.CreateOptions{})
	switch {
	case k8serrors.IsAlreadyExists(err):
		info.Status = "exists"
	case err != nil:
		return RouteInfo{}, fmt.Errorf("create route %s: %w", info.RouteName, err)
	default:
		s.auditor.Record(ctx, audit.Event{
			EventType: audit.EventRouteCreated,
			AgentType: agentType,
			Success:   true,
			Details:   map[string]any{"route_name": info.RouteName, "namespace": ns},
		})
	}

	policy := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": policyGVR.Group + "/" + policyGVR.Version,
		"kind":       "TrafficPolicy",
		"metadata": map[string]any{
			"name":      policyName(agentType),
			"namespace": ns,
			"labels": map[string]any{
				"app":        "ve-platform",
				"agent-type": agentType,
			},
			"annotations": map[string]any{
				allowedCustomersAnnotation: "[]",
			},
		},
		"spec": map[string]any{
			"targetRefs": []any{map[string]any{
				"group": routeGVR.Group,
				"kind":  "HTTPRoute",
				"name":  routeName(agentType),
			}},
			"rbac": map[string]any{
				"policy": map[string]any{
					"matchExpressions": []any{denyAllExpression},
				},
			},
		},
	}}

	_, err = s.dyn.Resource(policyGVR).Namespace(ns).Create(ctx, policy, metav1.CreateOptions{})
	switch {
	case k8serrors.IsAlreadyExists(err):
		log.Info(ctx, log.KV{K: "msg", V: "traffic policy already exists"}, log.KV{K: "policy", V: policyName(agentType)})
	case err != nil:
		return RouteInfo{}, fmt.Errorf("create policy %s: %w", policyName(agentType), err)
	default:
		s.auditor.Record(ctx, audit.Event{
			EventType: audit.EventPolicyCreated,
			AgentType: agentType,
			Success:   true,
			Details:   map[string]any{"policy_name": policyName(agentType), "mode": "deny_all", "allowed_customers": []string{}},
		})
	}
	return info, nil
}

// GrantCustomerAccess appends the customer to the policy's allowed list and
// rewrites the access expression via merge patch. Granting an already-present
// customer is a no-op patch.
func (s *Service) GrantCustomerAccess(ctx context.Context, agentType, customerID, namespace string) error {
	ns := s.ns(namespace)
	customers, err := s.allowedCustomers(ctx, agentType, ns)
	if err != nil {
		s.auditor.Record(ctx, audit.Event{
			EventType:  audit.EventAccessGrantFailed,
			AgentType:  agentType,
			CustomerID: customerID,
			Success:    false,
			Details:    map[string]any{"error": err.Error(), "policy_name": policyName(agentType)},
		})
		return err
	}

	if !contains(customers, customerID) {
		customers = append(customers, customerID)
	}

	if err := s.patchPolicy(ctx, agentType, ns, customers); err != nil {
		s.auditor.Record(ctx, audit.Event{
			EventType:  audit.EventAccessGrantFailed,
			AgentType:  agentType,
			CustomerID: customerID,
			Success:    false,
			Details:    map[string]any{"error": err.Error(), "policy_name": policyName(agentType)},
		})
		return err
	}

	s.auditor.Record(ctx, audit.Event{
		EventType:  audit.EventAccessGranted,
		AgentType:  agentType,
		CustomerID: customerID,
		Success:    true,
		Details:    map[string]any{"policy_name": policyName(agentType), "total_customers": len(customers)},
	})
	return nil
}

// RevokeCustomerAccess removes the customer from the allowed list. When the
// resulting list is empty the expression reverts to deny-all; the policy
// itself is never deleted here.
func (s *Service) RevokeCustomerAccess(ctx context.Context, agentType, customerID, namespace string) error {
	ns := s.ns(namespace)
	customers, err := s.allowedCustomers(ctx, agentType, ns)
	if k8serrors.IsNotFound(err) {
		log.Info(ctx, log.KV{K: "msg", V: "traffic policy not found"}, log.KV{K: "policy", V: policyName(agentType)})
		return nil
	}
	if err != nil {
		return err
	}

	customers = remove(customers, customerID)

	if err := s.patchPolicy(ctx, agentType, ns, customers); err != nil {
		s.auditor.Record(ctx, audit.Event{
			EventType:  audit.EventAccessRevokeFailed,
			AgentType:  agentType,
			CustomerID: customerID,
			Success:    false,
			Details:    map[string]any{"error": err.Error(), "policy_name": policyName(agentType)},
		})
		return err
	}

	details := map[string]any{
		"policy_name":     policyName(agentType),
		"total_customers": len(customers),
	}
	if len(customers) == 0 {
		details["reverted_to_deny_all"] = true
	} else {
		details["remaining_customers"] = customers
	}
	s.auditor.Record(ctx, audit.Event{
		EventType:  audit.EventAccessRevoked,
		AgentType:  agentType,
		CustomerID: customerID,
		Success:    true,
		Details:    details,
	})
	return nil
}

// DeleteAgentRoute removes the policy and route for an agent. It is
// delete-protected: when the policy still names customers the call fails with
// a DeleteProtectedError and nothing is removed. The policy is deleted before
// the route so the route is never left unguarded; a missing policy (404) lets
// the route delete proceed.
func (s *Service) DeleteAgentRoute(ctx context.Context, agentType, namespace string) error {
	ns := s.ns(namespace)

	customers, err := s.allowedCustomers(ctx, agentType, ns)
	if err != nil && !k8serrors.IsNotFound(err) {
		return err
	}
	if len(customers) > 0 {
		s.auditor.Record(ctx, audit.Event{
			EventType: audit.EventRouteDeleteBlocked,
			AgentType: agentType,
			Success:   false,
			Details: map[string]any{
				"reason":                  "customers still have access",
				"allowed_customers_count": len(customers),
				"customers":               customers,
			},
		})
		return &DeleteProtectedError{AgentType: agentType, Customers: len(customers)}
	}

	err = s.dyn.Resource(policyGVR).Namespace(ns).Delete(ctx, policyName(agentType), metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete policy %s: %w", policyName(agentType), err)
	}
	if err == nil {
		s.auditor.Record(ctx, audit.Event{
			EventType: audit.EventPolicyDeleted,
			AgentType: agentType,
			Success:   true,
			Details:   map[string]any{"policy_name": policyName(agentType)},
		})
	}

	err = s.dyn.Resource(routeGVR).Namespace(ns).Delete(ctx, routeName(agentType), metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		s.auditor.Record(ctx, audit.Event{
			EventType: audit.EventRouteDeleteFailed,
			AgentType: agentType,
			Success:   false,
			Details:   map[string]any{"error": err.Error(), "route_name": routeName(agentType)},
		})
		return fmt.Errorf("delete route %s: %w", routeName(agentType), err)
	}
	s.auditor.Record(ctx, audit.Event{
		EventType: audit.EventRouteDeleted,
		AgentType: agentType,
		Success:   true,
		Details:   map[string]any{"route_name": routeName(agentType)},
	})
	return nil
}

// ListAgentRoutes returns the fabric-owned routes in the namespace.
func (s *Service) ListAgentRoutes(ctx context.Context, namespace string) ([]RouteInfo, error) {
	ns := s.ns(namespace)
	list, err := s.dyn.Resource(routeGVR).Namespace(ns).List(ctx, metav1.ListOptions{LabelSelector: platformSelector})
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	out := make([]RouteInfo, 0, len(list.Items))
	for _, item := range list.Items {
		agentType := item.GetLabels()["agent-type"]
		out = append(out, RouteInfo{
			RouteName: item.GetName(),
			AgentType: agentType,
			Hostname:  agentType + ".local",
			Status:    "active",
		})
	}
	return out, nil
}

// AllowedCustomers returns the current allowed list for an agent policy.
func (s *Service) AllowedCustomers(ctx context.Context, agentType, namespace string) ([]string, error) {
	return s.allowedCustomers(ctx, agentType, s.ns(namespace))
}

func (s *Service) allowedCustomers(ctx context.Context, agentType, ns string) ([]string, error) {
	policy, err := s.dyn.Resource(policyGVR).Namespace(ns).Get(ctx, policyName(agentType), metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return parseAllowedCustomers(policy.GetAnnotations()[allowedCustomersAnnotation]), nil
}

// patchPolicy writes the allowed list and its derived expression in a single
// JSON merge patch. Read-modify-write on the full object is prohibited.
func (s *Service) patchPolicy(ctx context.Context, agentType, ns string, customers []string) error {
	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]any{
				allowedCustomersAnnotation: marshalAllowedCustomers(customers),
			},
		},
		"spec": map[string]any{
			"rbac": map[string]any{
				"policy": map[string]any{
					"matchExpressions": []any{Expression(customers)},
				},
			},
		},
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = s.dyn.Resource(policyGVR).Namespace(ns).Patch(ctx, policyName(agentType), types.MergePatchType, raw, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patch policy %s: %w", policyName(agentType), err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
