package api

import (
	"context"
	"net/http"
	"time"

	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

const version = "1.0.0"

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code, status := http.StatusOK, "ok"
	if err := s.store.Ping(ctx); err != nil {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": version,
	})
}

// RefreshSessionGauge sets the live sessions gauge from the store.
func (s *Server) RefreshSessionGauge(ctx context.Context) error {
	live, err := storage.Read(ctx, s.store, func(tx storage.Tx) ([]*models.Session, error) {
		return tx.ListLiveSessions(ctx, "", s.now().UTC())
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "counting live sessions")
	}
	liveSessions.Set(float64(len(live)))
	return nil
}
