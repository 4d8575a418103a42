// Package api implements HTTP handlers and helpers for the depotplan service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Depot string
	Role  string // admin, planner, viewer
	Actor string
}

// getPrincipal extracts depot and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Depot: pr.Depot, Role: pr.Role, Actor: pr.Actor}
		}
	}
	depot := r.Header.Get("X-Depot-Id")
	role := r.Header.Get("X-Role")
	actor := r.Header.Get("X-Actor-Id")
	if depot == "" {
		depot = "d_central"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Depot: depot, Role: role, Actor: actor}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanPlan reports whether the principal may trigger optimization runs.
func (p Principal) CanPlan() bool { return p.Role == "admin" || p.Role == "planner" }
