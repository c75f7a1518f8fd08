package auth

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestCheckPasswordStrength(t *testing.T) {
	cases := []struct {
		password string
		failed   []string
	}{
		{"Sup3r-Secret", nil},
		{"Ab1!", []string{RuleMinLength}},
		{"Abcd12!", []string{RuleMinLength}},
		{"Abcd12!x", nil},
		{"alllowercase1!", []string{RuleUpper}},
		{"ALLUPPERCASE1!", []string{RuleLower}},
		{"NoDigitsHere!", []string{RuleDigit}},
		{"NoSpecial123", []string{RuleSpecial}},
		{"Aa1!" + strings.Repeat("x", 68), nil},
		{"Aa1!" + strings.Repeat("x", 69), []string{RuleMaxLength}},
		{"", []string{RuleMinLength, RuleUpper, RuleLower, RuleDigit, RuleSpecial}},
	}
	for _, tc := range cases {
		got := CheckPasswordStrength(tc.password)
		if !slices.Equal(got, tc.failed) {
			t.Fatalf("CheckPasswordStrength(%q)=%v, want %v", tc.password, got, tc.failed)
		}
	}
}

func TestValidatePasswordDetails(t *testing.T) {
	err := ValidatePassword("short")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	e, _ := AsError(err)
	details, ok := e.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", e.Details)
	}
	failed, _ := details["failed"].([]string)
	if !slices.Contains(failed, RuleMinLength) || !slices.Contains(failed, RuleDigit) {
		t.Fatalf("unexpected failed rules: %v", failed)
	}
	if err := ValidatePassword("Sup3r-Secret"); err != nil {
		t.Fatalf("strong password rejected: %v", err)
	}
}

func TestHashPasswordEnforcesMinimumCost(t *testing.T) {
	hash, err := HashPassword("Sup3r-Secret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("bcrypt.Cost: %v", err)
	}
	if cost < MinBcryptCost {
		t.Fatalf("expected cost >= %d, got %d", MinBcryptCost, cost)
	}
	if err := VerifyPassword(hash, "Sup3r-Secret"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "sup3r-secret"); err == nil {
		t.Fatal("expected mismatch")
	}
	if _, err := HashPassword("", MinBcryptCost); err == nil {
		t.Fatal("expected error for empty password")
	}
}
