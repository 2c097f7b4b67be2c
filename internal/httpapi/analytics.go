package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/store"
)

// AnalyticsReader serves the per-day aggregates refreshed as sessions close.
type AnalyticsReader interface {
	DailyStats(ctx context.Context, day time.Time) (store.DailyStats, error)
}

// handleDailyAnalytics reports one UTC day, today unless ?date=YYYY-MM-DD.
func (s *Server) handleDailyAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		respondError(w, http.StatusServiceUnavailable, "Analytics are not configured", "")
		return
	}
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid date", "expected YYYY-MM-DD")
			return
		}
		day = parsed
	}
	stats, err := s.analytics.DailyStats(r.Context(), day)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "No analytics for that day", "")
	case err != nil:
		s.logger.Error("daily analytics read failed", zap.Time("day", day), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read analytics", "")
	default:
		respondJSON(w, http.StatusOK, stats)
	}
}
