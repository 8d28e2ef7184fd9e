package fabric

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/veplatform/control-plane/audit"
)

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Append(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) byType(typ string) []audit.Event {
	var out []audit.Event
	for _, ev := range s.events {
		if ev.EventType == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newFabric(t *testing.T) (*Service, *dynamicfake.FakeDynamicClient, *captureSink) {
	t.Helper()
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, map[schema.GroupVersionResource]string{
		routeGVR:  "HTTPRouteList",
		policyGVR: "TrafficPolicyList",
	})
	sink := &captureSink{}
	svc, err := New(Options{Client: dyn, Namespace: "kagent", Audit: audit.New(sink)})
	require.NoError(t, err)
	return svc, dyn, sink
}

func TestCreateAgentRoute(t *testing.T) {
	svc, dyn, sink := newFabric(t)
	ctx := context.Background()

	info, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)
	require.Equal(t, "agent-wellness", info.RouteName)
	require.Equal(t, "wellness.local", info.Hostname)
	require.Equal(t, "created", info.Status)

	// The sibling policy exists and denies all.
	policy, err := dyn.Resource(policyGVR).Namespace("kagent").Get(ctx, "rbac-wellness", getOpts())
	require.NoError(t, err)
	require.Equal(t, "[]", policy.GetAnnotations()[allowedCustomersAnnotation])
	exprs, _, err := nestedStringSlice(policy.Object, "spec", "rbac", "policy", "matchExpressions")
	require.NoError(t, err)
	require.Equal(t, []string{denyAllExpression}, exprs)

	require.Len(t, sink.byType(audit.EventRouteCreated), 1)
	require.Len(t, sink.byType(audit.EventPolicyCreated), 1)

	// Idempotent: re-creating reports "exists" and does not fail.
	again, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)
	require.Equal(t, "exists", again.Status)
}

func TestGrantRevokeRoundTrip(t *testing.T) {
	svc, _, sink := newFabric(t)
	ctx := context.Background()
	customer := uuid.NewString()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)

	require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", customer, ""))
	customers, err := svc.AllowedCustomers(ctx, "wellness", "")
	require.NoError(t, err)
	require.Equal(t, []string{customer}, customers)

	require.NoError(t, svc.RevokeCustomerAccess(ctx, "wellness", customer, ""))
	customers, err = svc.AllowedCustomers(ctx, "wellness", "")
	require.NoError(t, err)
	require.Empty(t, customers)

	// grant; revoke leaves the policy present with the deny-all expression.
	expr, err := currentExpression(svc, ctx)
	require.NoError(t, err)
	require.Equal(t, denyAllExpression, expr)

	require.Len(t, sink.byType(audit.EventAccessGranted), 1)
	require.Len(t, sink.byType(audit.EventAccessRevoked), 1)
}

func TestGrantIsIdempotent(t *testing.T) {
	svc, _, _ := newFabric(t)
	ctx := context.Background()
	customer := uuid.NewString()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)

	require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", customer, ""))
	require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", customer, ""))

	customers, err := svc.AllowedCustomers(ctx, "wellness", "")
	require.NoError(t, err)
	require.Equal(t, []string{customer}, customers)
}

func TestMutationsUseMergePatchNeverPut(t *testing.T) {
	svc, dyn, _ := newFabric(t)
	ctx := context.Background()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", ids[i], ""))
	}

	customers, err := svc.AllowedCustomers(ctx, "wellness", "")
	require.NoError(t, err)
	require.ElementsMatch(t, ids, customers)

	var patches, updates int
	for _, action := range dyn.Actions() {
		switch action.GetVerb() {
		case "patch":
			patch := action.(k8stesting.PatchAction)
			require.Equal(t, "application/merge-patch+json", string(patch.GetPatchType()))
			patches++
		case "update":
			updates++
		}
	}
	require.Equal(t, 5, patches)
	require.Zero(t, updates, "read-modify-write PUT is prohibited")
}

func TestDeleteProtection(t *testing.T) {
	svc, dyn, sink := newFabric(t)
	ctx := context.Background()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)
	require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", "c1", ""))
	require.NoError(t, svc.GrantCustomerAccess(ctx, "wellness", "c2", ""))

	err = svc.DeleteAgentRoute(ctx, "wellness", "")
	var protected *DeleteProtectedError
	require.ErrorAs(t, err, &protected)
	require.Equal(t, 2, protected.Customers)
	require.Contains(t, err.Error(), "2 customers still have active access")
	require.Len(t, sink.byType(audit.EventRouteDeleteBlocked), 1)

	// Both objects survive the refused delete.
	_, err = dyn.Resource(policyGVR).Namespace("kagent").Get(ctx, "rbac-wellness", getOpts())
	require.NoError(t, err)
	_, err = dyn.Resource(routeGVR).Namespace("kagent").Get(ctx, "agent-wellness", getOpts())
	require.NoError(t, err)

	// After revoking both customers the delete succeeds and removes policy
	// and route.
	require.NoError(t, svc.RevokeCustomerAccess(ctx, "wellness", "c1", ""))
	require.NoError(t, svc.RevokeCustomerAccess(ctx, "wellness", "c2", ""))
	require.NoError(t, svc.DeleteAgentRoute(ctx, "wellness", ""))

	_, err = dyn.Resource(policyGVR).Namespace("kagent").Get(ctx, "rbac-wellness", getOpts())
	require.True(t, k8serrors.IsNotFound(err))
	_, err = dyn.Resource(routeGVR).Namespace("kagent").Get(ctx, "agent-wellness", getOpts())
	require.True(t, k8serrors.IsNotFound(err))
}

func TestDeleteWithMissingPolicyProceeds(t *testing.T) {
	svc, dyn, _ := newFabric(t)
	ctx := context.Background()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)
	require.NoError(t, dyn.Resource(policyGVR).Namespace("kagent").Delete(ctx, "rbac-wellness", delOpts()))

	require.NoError(t, svc.DeleteAgentRoute(ctx, "wellness", ""))
	_, err = dyn.Resource(routeGVR).Namespace("kagent").Get(ctx, "agent-wellness", getOpts())
	require.True(t, k8serrors.IsNotFound(err))
}

func TestRevokeMissingPolicyIsNoop(t *testing.T) {
	svc, _, _ := newFabric(t)
	require.NoError(t, svc.RevokeCustomerAccess(context.Background(), "ghost", "c1", ""))
}

func TestListAgentRoutes(t *testing.T) {
	svc, _, _ := newFabric(t)
	ctx := context.Background()

	_, err := svc.CreateAgentRoute(ctx, "wellness", "")
	require.NoError(t, err)
	_, err = svc.CreateAgentRoute(ctx, "devops-manager", "")
	require.NoError(t, err)

	routes, err := svc.ListAgentRoutes(ctx, "")
	require.NoError(t, err)
	require.Len(t, routes, 2)
}

func getOpts() metav1.GetOptions { return metav1.GetOptions{} }

func delOpts() metav1.DeleteOptions { return metav1.DeleteOptions{} }

func nestedStringSlice(obj map[string]any, fields ...string) ([]string, bool, error) {
	return unstructured.NestedStringSlice(obj, fields...)
}

func currentExpression(svc *Service, ctx context.Context) (string, error) {
	policy, err := svc.dyn.Resource(policyGVR).Namespace("kagent").Get(ctx, "rbac-wellness", getOpts())
	if err != nil {
		return "", err
	}
	exprs, _, err := nestedStringSlice(policy.Object, "spec", "rbac", "policy", "matchExpressions")
	if err != nil || len(exprs) == 0 {
		return "", err
	}
	return exprs[0], nil
}
