package auth

import (
	"strings"
	"unicode"

	"github.com/org/medgate/internal/errs"
)

// Secret policy reason codes.
const (
	ReasonTooShort       = "too_short"
	ReasonTooLong        = "too_long"
	ReasonMissingLower   = "missing_lower"
	ReasonMissingUpper   = "missing_upper"
	ReasonMissingDigit   = "missing_digit"
	ReasonMissingSymbol  = "missing_symbol"
	ReasonContainsLogin  = "contains_login"
	ReasonReused         = "reused"
	maxSecretLength      = 1024
	defaultSecretMinimum = 10
)

// SecretPolicy is the complexity rule for principal secrets.
type SecretPolicy struct {
	MinLength int
}

// Violations lists the rules secret breaks, in a stable order.
func (p SecretPolicy) Violations(secret, login string) []string {
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = defaultSecretMinimum
	}
	var out []string
	n := len([]rune(secret))
	if n < minLen {
		out = append(out, ReasonTooShort)
	}
	if n > maxSecretLength {
		out = append(out, ReasonTooLong)
	}
	var lower, upper, digit, symbol bool
	for _, r := range secret {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !lower {
		out = append(out, ReasonMissingLower)
	}
	if !upper {
		out = append(out, ReasonMissingUpper)
	}
	if !digit {
		out = append(out, ReasonMissingDigit)
	}
	if !symbol {
		out = append(out, ReasonMissingSymbol)
	}
	if login != "" && len(login) >= 3 && strings.Contains(strings.ToLower(secret), strings.ToLower(login)) {
		out = append(out, ReasonContainsLogin)
	}
	return out
}

// Validate returns a validation error naming every violated rule.
func (p SecretPolicy) Validate(secret, login string) error {
	if v := p.Violations(secret, login); len(v) > 0 {
		return errs.E(errs.Validation, "secret does not meet policy: %s", strings.Join(v, ","))
	}
	return nil
}
