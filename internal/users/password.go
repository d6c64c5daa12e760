package users

import (
	"errors"
	"strings"
	"unicode"
)

// passwordSpecials are the symbols that satisfy the special-character
// rule.
const passwordSpecials = "!@#$%^&*"

// ErrWeakPassword is returned by ValidatePassword.
var ErrWeakPassword = errors.New("password does not meet policy")

// PasswordPolicy is the user-facing description of the policy.
const PasswordPolicy = "Password must contain at least 8 characters, including an uppercase letter, a number, and a special character."

// ValidatePassword enforces the password policy: at least eight
// characters drawn from ASCII letters, digits and passwordSpecials,
// with at least one uppercase letter, one digit and one special.
func ValidatePassword(pw string) error {
	if len(pw) < 8 {
		return ErrWeakPassword
	}
	var upper, digit, special bool
	for _, r := range pw {
		switch {
		case r > unicode.MaxASCII:
			return ErrWeakPassword
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		case unicode.IsLower(r):
		default:
			return ErrWeakPassword
		}
	}
	if !upper || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}
