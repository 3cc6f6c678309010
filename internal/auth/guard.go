package auth

import (
	"time"

	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/pkg/models"
)

// CheckStatus rejects principals whose account state forbids acting.
func CheckStatus(p *models.Principal, sp *models.SecurityProfile, now time.Time) error {
	switch {
	case !p.Approved || sp.AccountStatus == models.AccountPendingApproval:
		return errs.E(errs.PendingApproval, "account is pending approval")
	case p.Suspended || sp.AccountStatus == models.AccountSuspended:
		return errs.E(errs.AccountSuspended, "account is suspended")
	case !p.Active:
		return errs.E(errs.AccountSuspended, "account is inactive")
	case sp.LockedAt(now):
		return errs.E(errs.AccountLocked, "account is locked until %s", sp.LockoutUntil.Format(time.RFC3339))
	case sp.AccountStatus == models.AccountArchived || sp.AccountStatus == models.AccountExpired:
		return errs.E(errs.AccountSuspended, "account is %s", sp.AccountStatus)
	}
	return nil
}

// CheckSource rejects a request from a source outside the principal's allow-list.
func CheckSource(sp *models.SecurityProfile, source string) error {
	if !sp.SourceAllowed(source) {
		return errs.E(errs.SourceNotPermitted, "source %s is not permitted", source)
	}
	return nil
}

// SecretChangeDue reports whether the principal must change the secret before anything else.
func SecretChangeDue(sp *models.SecurityProfile, now time.Time) bool {
	return sp.ForceSecretChange || (sp.SecretExpiresAt != nil && !now.Before(*sp.SecretExpiresAt))
}

// Check applies the per-request guard to an authenticated principal.
// changingSecret marks the one operation allowed while a secret change is due.
func Check(res *Resolved, source string, now time.Time, changingSecret bool) error {
	if err := CheckStatus(res.Principal, res.Profile, now); err != nil {
		return err
	}
	if err := CheckSource(res.Profile, source); err != nil {
		return err
	}
	if !changingSecret && SecretChangeDue(res.Profile, now) {
		return errs.E(errs.SecretChangeRequired, "secret change required")
	}
	return nil
}
