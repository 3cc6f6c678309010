package api

import (
	"net/http"
	"strings"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/pkg/models"
)

// bearer extracts the token from "Authorization: Bearer <token>".
func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// gate wraps a route handler with authentication, the per-request guard and
// the permission check, then records the route's audit event before the
// response is released.
func (s *Server) gate(rt Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.Throttle && s.loginLimiter != nil && !allow(w, r, s.loginLimiter, "auth:"+clientIP(r)) {
			denialsTotal.WithLabelValues(string(errs.TooManyAttempts)).Inc()
			return
		}
		if rt.Public {
			rt.Handler(w, r)
			return
		}

		ctx := r.Context()
		caller := audit.Caller{Source: clientIP(r), UserAgent: r.UserAgent()}
		action := r.Method + " " + rt.Pattern

		token, ok := bearer(r)
		if !ok {
			s.deny(w, r, errs.E(errs.Unauthenticated, "missing credential"))
			return
		}
		res, err := s.creds.Resolve(ctx, token)
		if err != nil {
			if errs.Public(errs.KindOf(err)) != errs.Unauthenticated {
				s.fail(w, r, caller.Event(models.EventSecurity, models.SeverityMedium, action), err)
				return
			}
			ev := caller.Event(models.EventLogin, models.SeverityMedium, "resolve_credential")
			ev.Metadata["route"] = action
			ev.ErrorKind = string(errs.KindOf(err))
			ev.ErrorMessage = errs.Detail(err)
			if aerr := s.audit.Append(ctx, ev); aerr != nil {
				writeError(w, r, errs.Wrap(errs.Internal, aerr, "internal error"))
				return
			}
			s.deny(w, r, err)
			return
		}

		caller.ID = res.Principal.ID
		now := s.now().UTC()
		if err := auth.Check(res, caller.Source, now, rt.SecretChange); err != nil {
			ev := caller.Event(models.EventSecurity, models.SeverityMedium, action)
			ev.SubjectID = res.Principal.ID
			ev.ErrorKind = string(errs.KindOf(err))
			ev.ErrorMessage = errs.Detail(err)
			s.audit.Log(ctx, ev)
			s.deny(w, r, err)
			return
		}

		grants, err := s.engine.Effective(ctx, res.Principal.ID, now)
		if err != nil {
			s.fail(w, r, caller.Event(models.EventSecurity, models.SeverityMedium, action), err)
			return
		}
		if missing := required(rt, grants); missing != "" {
			ev := caller.Event(models.EventSecurity, models.SeverityMedium, action)
			ev.Metadata["permission"] = missing
			ev.ErrorKind = string(errs.Forbidden)
			ev.ErrorMessage = "permission denied"
			s.audit.Log(ctx, ev)
			s.deny(w, r, errs.E(errs.Forbidden, "%s is required", missing))
			return
		}

		bw := newBufferedWriter()
		id := &identity{Resolved: res, Grants: grants, Caller: caller}
		rt.Handler(bw, r.WithContext(withIdentity(ctx, id)))

		if rt.Audit != "" {
			ev := caller.Event(rt.Audit, models.SeverityLow, action)
			ev.Metadata["status"] = bw.code()
			if q := r.URL.RawQuery; q != "" {
				ev.Metadata["query"] = q
			}
			ev.Success = bw.kind == ""
			if !ev.Success {
				ev.ErrorKind = string(bw.kind)
				ev.ErrorMessage = errs.Detail(bw.cause)
				if bw.kind == errs.InternalTimeout {
					ev.Severity = models.SeverityHigh
				}
			}
			s.audit.Log(ctx, ev)
		}
		bw.flush(w)
	}
}

// required returns the first unmet requirement of rt, or "".
func required(rt Route, g *policy.Grants) string {
	if rt.Permission != "" && !g.Has(rt.Permission) {
		return rt.Permission
	}
	if rt.Admin && !g.Superuser && !g.HasRole(policy.RoleAdmin) {
		return "role:" + policy.RoleAdmin
	}
	return ""
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, err error) {
	denialsTotal.WithLabelValues(string(errs.Public(errs.KindOf(err)))).Inc()
	writeError(w, r, err)
}

// fail records an infrastructure failure met by the gate itself.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, ev *models.AuditEvent, err error) {
	kind := errs.KindOf(err)
	ev.ErrorKind = string(kind)
	ev.ErrorMessage = errs.Detail(err)
	if kind == errs.InternalTimeout {
		ev.Severity = models.SeverityHigh
	}
	s.audit.Log(r.Context(), ev)
	writeError(w, r, err)
}
