package auth

// Authorize reports whether id may access a resource restricted to allowed.
// An empty allowed list admits any authenticated identity.
func Authorize(id Identity, allowed ...Role) error {
	if len(allowed) == 0 || id.HasRole(allowed...) {
		return nil
	}
	required := make([]string, len(allowed))
	for i, r := range allowed {
		required[i] = string(r)
	}
	return ErrForbidden.WithDetails(map[string]any{
		"required": required,
		"actual":   string(id.Role),
	})
}
