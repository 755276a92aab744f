package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/climate-agent/internal/agent"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/scheduler"
	"github.com/nugget/climate-agent/internal/settings"
)

// evaluateTimeout bounds one manual evaluation including every model
// round.
const evaluateTimeout = 10 * time.Minute

// handleEvaluate runs one cycle now and answers with its Decision.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	res := s.limiter.Reserve()
	if !res.OK() || res.Delay() > 0 {
		if res.OK() {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.Delay().Seconds()))))
			res.Cancel()
		}
		s.errorResponse(w, http.StatusTooManyRequests, "evaluation rate limit exceeded")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(evaluateTimeout)); err != nil {
		s.logger.Debug("failed to extend write deadline", "error", err)
	}

	run, out, err := s.sched.TriggerNow(r.Context(), scheduler.TriggerManual)
	if run != nil {
		w.Header().Set("X-Run-ID", run.ID)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out.Decision, s.logger)
	case errors.Is(err, agent.ErrCycleInProgress):
		s.errorResponse(w, http.StatusConflict, "an evaluation is already in progress")
	case errors.Is(err, agent.ErrShuttingDown), errors.Is(err, scheduler.ErrStopped):
		s.errorResponse(w, http.StatusServiceUnavailable, "shutting down")
	case agent.IsAborted(err):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"code":    http.StatusBadGateway,
			},
			"outcome": out,
		}, s.logger)
	default:
		s.logger.Error("manual evaluation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"code":    http.StatusInternalServerError,
			},
			"outcome": out,
		}, s.logger)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	list, err := s.decisions.Settings(r.Context())
	if err != nil {
		s.storeError(w, "list settings", err)
		return
	}
	if list == nil {
		list = []decisions.Setting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": list}, s.logger)
}

type settingUpdate struct {
	Value *string `json:"value"`
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req settingUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.errorResponse(w, http.StatusBadRequest, `body must be {"value": "..."}`)
		return
	}

	err := s.settings.Set(r.Context(), key, *req.Value)
	switch {
	case errors.Is(err, settings.ErrUnknownKey):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, settings.ErrInvalidValue):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.storeError(w, "set setting", err)
		return
	}

	s.bus.Emit(events.SourceSettings, events.KindSettingChanged, map[string]any{
		"key":   key,
		"value": *req.Value,
	})
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": *req.Value}, s.logger)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	list, err := s.decisions.Prompts(r.Context())
	if err != nil {
		s.storeError(w, "list prompts", err)
		return
	}
	if list == nil {
		list = []decisions.Prompt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": list}, s.logger)
}

type promptUpdate struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req promptUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, `body must be {"content": "..."} with non-empty content`)
		return
	}

	err := s.decisions.UpdatePrompt(r.Context(), name, req.Content)
	if errors.Is(err, decisions.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "prompt not found")
		return
	}
	if err != nil {
		s.storeError(w, "update prompt", err)
		return
	}

	s.bus.Emit(events.SourceSettings, events.KindSettingChanged, map[string]any{
		"key":   "prompt:" + name,
		"value": excerpt(req.Content, 80),
	})
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "length": len(req.Content)}, s.logger)
}

// toolView is the JSON shape of one discovered tool.
type toolView struct {
	Name        string         `json:"name"`
	Provider    string         `json:"provider"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	defs := s.tools.Definitions()
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		out = append(out, toolView{
			Name:        d.Name,
			Provider:    d.Provider,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"tools": out, "count": len(out)}, s.logger)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultLimit, maxLimit)
	runs, err := s.sched.Runs(r.Context(), limit)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)}, s.logger)
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
