// Package audit is the append-only activity trail.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	redacted = "[REDACTED]"
)

var writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "medgate_audit_write_failures_total",
	Help: "Audit appends that failed, by event kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(writeFailures)
}

// Caller identifies who performs an audited operation.
type Caller struct {
	ID        string
	Source    string
	UserAgent string
	// Args is recorded, redacted, with the event.
	Args map[string]any
}

// With returns a copy of c whose Args also carry key.
func (c Caller) With(key string, value any) Caller {
	args := make(map[string]any, len(c.Args)+1)
	for k, v := range c.Args {
		args[k] = v
	}
	args[key] = value
	c.Args = args
	return c
}

// Event starts an event attributed to the caller.
func (c Caller) Event(kind, severity, action string) *models.AuditEvent {
	meta := map[string]any{}
	if c.Args != nil {
		meta["args"] = c.Args
	}
	return &models.AuditEvent{
		ActorID:   c.ID,
		Kind:      kind,
		Severity:  severity,
		Action:    action,
		Source:    c.Source,
		UserAgent: c.UserAgent,
		Metadata:  meta,
	}
}

// Logger writes structured audit events.
type Logger struct {
	store   storage.Store
	now     func() time.Time
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewLogger creates an audit Logger. Each append runs under its own timeout,
// detached from the caller's cancellation so a failed request is still recorded.
func NewLogger(store storage.Store, timeout time.Duration) *Logger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Logger{store: store, now: time.Now, timeout: timeout}
}

// WithClock replaces the time source; used by tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// stamp assigns id and timestamp. Timestamps are strictly increasing within the
// process at the store's microsecond precision.
func (l *Logger) stamp(e *models.AuditEvent) {
	l.mu.Lock()
	ts := l.now().UTC().Truncate(time.Microsecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	l.last = ts
	l.mu.Unlock()

	e.Timestamp = ts
	e.ID = ids.NewAt(ts)
	if e.Severity == "" {
		e.Severity = models.SeverityLow
	}
	e.Metadata = Redact(e.Metadata)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
}

// Record appends e inside tx so it commits or rolls back with the caller's writes.
func (l *Logger) Record(ctx context.Context, tx storage.Tx, e *models.AuditEvent) error {
	l.stamp(e)
	if err := tx.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Append writes e in its own transaction.
func (l *Logger) Append(ctx context.Context, e *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	l.stamp(e)
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.AppendAudit(ctx, e)
	})
	if err != nil {
		writeFailures.WithLabelValues(e.Kind).Inc()
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Log appends e and only logs a failure. For events following an operation
// that already succeeded.
func (l *Logger) Log(ctx context.Context, e *models.AuditEvent) {
	if err := l.Append(ctx, e); err != nil {
		log.Error().Err(err).
			Str("kind", e.Kind).
			Str("action", e.Action).
			Str("actor_id", e.ActorID).
			Msg("audit write failed")
	}
}

// Query retrieves audit events ordered by (timestamp desc, id desc).
func (l *Logger) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLimit
	case f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return storage.Read(ctx, l.store, func(tx storage.Tx) ([]*models.AuditEvent, error) {
		return tx.QueryAudit(ctx, f)
	})
}

var sensitiveKeys = []string{"secret", "password", "token", "hash"}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of m with secret-bearing values replaced.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitive(k) {
			out[k] = redacted
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = Redact(vv)
		case []any:
			items := make([]any, len(vv))
			for i, item := range vv {
				if sub, ok := item.(map[string]any); ok {
					items[i] = Redact(sub)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
