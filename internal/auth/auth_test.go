package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/domain"
)

func TestHeaderResolver(t *testing.T) {
	r := HeaderResolver{}

	req := httptest.NewRequest("GET", "/", nil)
	_, err := r.Resolve(req)
	var un *domain.UnauthorizedError
	require.ErrorAs(t, err, &un)

	req.Header.Set("X-Actor-ID", "u1")
	req.Header.Set("X-Actor-Role", "requester")
	a, err := r.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, Actor{ID: "u1", Role: RoleRequester}, a)

	req.Header.Set("X-Actor-Role", "provider")
	_, err = r.Resolve(req)
	require.ErrorAs(t, err, &un, "provider without provider id")

	req.Header.Set("X-Provider-ID", "p1")
	a, err = r.Resolve(req)
	require.NoError(t, err)
	require.Equal(t, "p1", a.ProviderID)

	req.Header.Set("X-Actor-Role", "superuser")
	_, err = r.Resolve(req)
	require.ErrorAs(t, err, &un)
}

func TestCanActOnProvider(t *testing.T) {
	admin := Actor{ID: "ops", Role: RoleAdmin}
	require.True(t, admin.CanActOnProvider("anything"))

	prov := Actor{ID: "u1", Role: RoleProvider, ProviderID: "p1"}
	require.True(t, prov.CanActOnProvider("p1"))
	require.False(t, prov.CanActOnProvider("p2"))

	requester := Actor{ID: "u2", Role: RoleRequester}
	require.False(t, requester.CanActOnProvider("p1"))
}

func TestActorContextRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "u1", Role: RoleRequester})
	a, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", a.ID)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}
