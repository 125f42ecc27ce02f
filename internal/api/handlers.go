package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleConnectorStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.orchestrator.Status(r.Context())
	if err != nil {
		s.logger.Error("status query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": statuses})
}

type triggerRequest struct {
	Connector string `json:"connector"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		// An empty body means "all connectors".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Connector == "" {
		req.Connector = r.URL.Query().Get("connector")
	}

	outcomes := s.orchestrator.TriggerSync(r.Context(), req.Connector)
	writeJSON(w, http.StatusAccepted, map[string]any{"outcomes": outcomes})
}

type recentRequest struct {
	Since string `json:"since"`
}

func (s *Server) handleSyncRecent(w http.ResponseWriter, r *http.Request) {
	var req recentRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if req.Since != "" {
		parsed, err := parseTimestamp(req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since: expected RFC3339 or YYYY-MM-DD")
			return
		}
		since = parsed
	}

	outcomes := s.orchestrator.TriggerRecent(r.Context(), since)
	writeJSON(w, http.StatusAccepted, map[string]any{"outcomes": outcomes})
}

type importRangeRequest struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Connector string `json:"connector"`
}

func (s *Server) handleImportRange(w http.ResponseWriter, r *http.Request) {
	var req importRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	start, err := parseTimestamp(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start: expected RFC3339 or YYYY-MM-DD")
		return
	}
	end, err := parseTimestamp(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end: expected RFC3339 or YYYY-MM-DD")
		return
	}

	outcomes, err := s.orchestrator.ImportRange(r.Context(), req.Connector, start, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.orchestrator.Coverage(r.Context())
	if err != nil {
		s.logger.Error("coverage query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "coverage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coverage": summaries})
}

func (s *Server) handleCoverageDaily(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days: expected a positive integer")
			return
		}
		days = parsed
	}

	report, err := s.orchestrator.CoverageDaily(r.Context(), days)
	if err != nil {
		s.logger.Error("daily coverage query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "coverage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": report})
}

func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	query, err := parseMetricQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cacheKey := metricCacheKey(name, r.URL.Query())
	if s.cache != nil {
		if payload, err := s.cache.Get(r.Context(), cacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		} else if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("cache read failed", zap.String("metric", name), zap.Error(err))
		}
	}

	result, err := s.engine.Compute(r.Context(), name, query)
	if err != nil {
		if errors.Is(err, metrics.ErrUnknownMetric) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("metric computation failed", zap.String("metric", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metric computation failed")
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode metric response")
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(r.Context(), cacheKey, payload); err != nil {
			s.logger.Warn("cache write failed", zap.String("metric", name), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func parseMetricQuery(values url.Values) (metrics.Query, error) {
	var q metrics.Query
	var err error

	if raw := values.Get("start_date"); raw != "" {
		if q.Start, err = parseTimestamp(raw); err != nil {
			return q, errors.New("start_date: expected RFC3339 or YYYY-MM-DD")
		}
	}
	if raw := values.Get("end_date"); raw != "" {
		if q.End, err = parseTimestamp(raw); err != nil {
			return q, errors.New("end_date: expected RFC3339 or YYYY-MM-DD")
		}
	}
	switch period := values.Get("period"); period {
	case "":
	case "day", "week", "month":
		q.Period = metrics.Period(period)
	default:
		return q, errors.New("period: expected day, week, or month")
	}

	q.RepoIDs = splitList(values.Get("repo_ids"))
	q.TeamIDs = splitList(values.Get("team_ids"))
	q.Developers = splitList(values.Get("developer_logins"))
	q.Metrics = splitList(values.Get("metrics"))
	q.IncludeTrend = parseBool(values.Get("include_trend"))
	q.IncludeBenchmark = parseBool(values.Get("include_benchmark"))
	return q, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// metricCacheKey canonicalizes the query string so parameter order does not
// fragment the cache.
func metricCacheKey(name string, values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(name)
	for _, key := range keys {
		builder.WriteString("|")
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(strings.Join(values[key], ","))
	}
	return builder.String()
}
