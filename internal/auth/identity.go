package auth

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/org/medgate/internal/errs"
)

var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{2,63}$`)

// ValidateIdentity checks a login name and email address. Logins never contain
// '@', so a login can never collide with an email on lookup.
func ValidateIdentity(login, email string) error {
	if !loginPattern.MatchString(login) {
		return errs.E(errs.Validation, "login must be 3-64 characters of letters, digits, '.', '_' or '-'")
	}
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != strings.TrimSpace(email) {
		return errs.E(errs.Validation, "email %q is not a valid address", email)
	}
	return nil
}
