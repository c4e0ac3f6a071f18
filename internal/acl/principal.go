package acl

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies the caller of an operation. The privileged system
// principal is a distinct sentinel constructed only by SystemPrincipal; the
// privilege bit cannot be set from request data, so untrusted role strings
// can never grant the bypass.
type Principal struct {
	Subject string
	Roles   []string
	Claims  map[string]any

	system bool
}

// SystemPrincipal returns the privileged principal that bypasses all access
// rules. Intended for internal jobs and trusted server-side callers only.
func SystemPrincipal() *Principal {
	return &Principal{Subject: "system", system: true}
}

// IsSystem reports whether p is the privileged system principal. A nil
// principal is an anonymous caller, never system.
func (p *Principal) IsSystem() bool {
	return p != nil && p.system
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PrincipalFromClaims builds a request principal from verified JWT claims.
// Token verification itself is the transport layer's concern; this only
// maps the already-trusted claim set.
func PrincipalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token claims missing subject")
	}
	p := &Principal{Subject: sub, Claims: map[string]any(claims)}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, raw := range rawRoles {
			if role, ok := raw.(string); ok {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, nil
}
