// Package auth resolves transport credentials into an actor identity. The
// actual credential verification lives with an external collaborator; this
// layer only maps the already-authenticated headers a gateway injects into a
// stable actor id and role.
package auth

import (
	"context"
	"net/http"

	"github.com/example/ambulance-dispatch/internal/domain"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
	RoleAdmin     Role = "admin"
)

type Actor struct {
	ID         string
	Role       Role
	ProviderID string // set for provider actors
}

// Admin reports whether the actor may act on any provider's resources.
func (a Actor) Admin() bool { return a.Role == RoleAdmin }

// CanActOnProvider reports whether the actor may mutate resources owned by
// the given provider.
func (a Actor) CanActOnProvider(providerID string) bool {
	return a.Admin() || (a.Role == RoleProvider && a.ProviderID == providerID)
}

// Resolver turns an incoming request into an actor.
type Resolver interface {
	Resolve(r *http.Request) (Actor, error)
}

// HeaderResolver trusts the identity headers set by the fronting gateway.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (Actor, error) {
	id := r.Header.Get("X-Actor-ID")
	if id == "" {
		return Actor{}, &domain.UnauthorizedError{Reason: "missing actor identity"}
	}
	role := Role(r.Header.Get("X-Actor-Role"))
	switch role {
	case RoleRequester, RoleAdmin:
		return Actor{ID: id, Role: role}, nil
	case RoleProvider:
		pid := r.Header.Get("X-Provider-ID")
		if pid == "" {
			return Actor{}, &domain.UnauthorizedError{Reason: "provider actor without provider id"}
		}
		return Actor{ID: id, Role: role, ProviderID: pid}, nil
	default:
		return Actor{}, &domain.UnauthorizedError{Reason: "unknown role"}
	}
}

type contextKey struct{}

// WithActor attaches the actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the actor attached by the auth middleware.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
