package auth

import (
	"errors"
	"testing"
)

func TestAuthorize(t *testing.T) {
	manager := Identity{UserID: "u1", Role: RoleManager}

	if err := Authorize(manager, RoleAdmin, RoleManager); err != nil {
		t.Fatalf("expected manager to pass: %v", err)
	}
	if err := Authorize(manager); err != nil {
		t.Fatalf("expected empty role list to admit: %v", err)
	}

	err := Authorize(manager, RoleAdmin)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	e, _ := AsError(err)
	details, ok := e.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", e.Details)
	}
	if details["actual"] != "manager" {
		t.Fatalf("unexpected actual role: %v", details["actual"])
	}
	if req, _ := details["required"].([]string); len(req) != 1 || req[0] != "admin" {
		t.Fatalf("unexpected required roles: %v", details["required"])
	}
	if ErrForbidden.Details != nil {
		t.Fatalf("sentinel must not be mutated")
	}
}
