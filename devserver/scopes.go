package devserver

import (
	"strings"
)

const (
	ScopeRead    = "read"
	ScopeWrite   = "write"
	ScopeProfile = "profile"
	ScopeOffline = "offline" // issue a refresh token
)

// DefaultScopes is granted when a login asks for none.
var DefaultScopes = []string{ScopeRead, ScopeWrite, ScopeProfile, ScopeOffline}

// ParseScopes parses a space-separated scope string into a slice
func ParseScopes(scopeString string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range strings.Fields(scopeString) {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// JoinScopes joins a slice of scopes into a space-separated string
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the scopes in requested that are also allowed, in requested order.
func IntersectScopes(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	result := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowedSet[s] {
			result = append(result, s)
		}
	}
	return result
}

// ContainsScope reports whether scope is in scopes.
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
