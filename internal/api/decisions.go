package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/usage"
)

const (
	defaultLimit  = 50
	maxLimit      = 500
	defaultWindow = 7 * 24 * time.Hour
)

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultLimit, maxLimit)
	list, err := s.decisions.Recent(r.Context(), limit)
	if err != nil {
		s.storeError(w, "list decisions", err)
		return
	}
	if list == nil {
		list = []*decisions.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	}, s.logger)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.decisions.Get(r.Context(), id)
	if errors.Is(err, decisions.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		s.storeError(w, "get decision", err)
		return
	}
	writeJSON(w, http.StatusOK, d, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, "window", defaultWindow)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.decisions.Stats(r.Context(), window)
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window": windowLabel(window),
		"stats":  st,
	}, s.logger)
}

func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, maxLimit)
	c, err := s.decisions.Comparison(r.Context(), limit)
	if err != nil {
		s.storeError(w, "comparison", err)
		return
	}
	writeJSON(w, http.StatusOK, c, s.logger)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.decisions.Summary(r.Context(), s.now())
	if err != nil {
		s.storeError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum, s.logger)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	hours := parseIntParam(r, "hours", 24, 24*31)
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	points, err := s.decisions.Timeline(r.Context(), since)
	if err != nil {
		s.storeError(w, "timeline", err)
		return
	}
	if points == nil {
		points = []decisions.TimelinePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":  hours,
		"points": points,
	}, s.logger)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", 7, 90)
	buckets, err := s.decisions.Daily(r.Context(), days, s.now())
	if err != nil {
		s.storeError(w, "daily", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":    days,
		"buckets": nonNilBuckets(buckets),
	}, s.logger)
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, "window", defaultWindow)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := s.decisions.HourOfDay(r.Context(), window)
	if err != nil {
		s.storeError(w, "hourly", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":  windowLabel(window),
		"buckets": nonNilBuckets(buckets),
	}, s.logger)
}

// handleUsage reports token spend over a window, in total and per model.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	window, err := parseWindow(r, "window", defaultWindow)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	end := s.now()
	start := time.Time{}
	if window > 0 {
		start = end.Add(-window)
	}

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.storeError(w, "usage", err)
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.storeError(w, "usage by model", err)
		return
	}
	if byModel == nil {
		byModel = map[string]usage.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":   windowLabel(window),
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

// storeError logs a persistence failure and answers 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store query failed", "op", op, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, op+" failed")
}

func windowLabel(d time.Duration) string {
	if d <= 0 {
		return "all"
	}
	return d.String()
}

func nonNilBuckets(b []decisions.Bucket) []decisions.Bucket {
	if b == nil {
		return []decisions.Bucket{}
	}
	return b
}
