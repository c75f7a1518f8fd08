package auth

import (
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinBcryptCost is the lowest work factor accepted for stored hashes.
	MinBcryptCost = 12

	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

// Password policy rule identifiers reported in WEAK_PASSWORD details.
const (
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleUpper     = "uppercase"
	RuleLower     = "lowercase"
	RuleDigit     = "digit"
	RuleSpecial   = "special"
)

// CheckPasswordStrength returns the policy rules password fails, or nil.
func CheckPasswordStrength(password string) []string {
	var (
		upper, lower, digit, special bool
		length                       int
	)
	for _, r := range password {
		length++
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	var failed []string
	if length < minPasswordLength {
		failed = append(failed, RuleMinLength)
	}
	if len(password) > maxPasswordBytes {
		failed = append(failed, RuleMaxLength)
	}
	if !upper {
		failed = append(failed, RuleUpper)
	}
	if !lower {
		failed = append(failed, RuleLower)
	}
	if !digit {
		failed = append(failed, RuleDigit)
	}
	if !special {
		failed = append(failed, RuleSpecial)
	}
	return failed
}

// ValidatePassword returns ErrWeakPassword with the failed rules as details.
func ValidatePassword(password string) error {
	if failed := CheckPasswordStrength(password); len(failed) > 0 {
		return ErrWeakPassword.WithDetails(map[string]any{"failed": failed})
	}
	return nil
}

// HashPassword hashes plaintext password using bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if cost < MinBcryptCost {
		cost = MinBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash in constant time.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
