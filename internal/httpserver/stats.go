package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johnzilla/arbstr/internal/providererr"
	"github.com/johnzilla/arbstr/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Handler] failed to encode JSON response: %v", err)
	}
}

func (s *State) handleModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	data := make([]map[string]any, 0)
	for _, p := range s.Router.Providers() {
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, map[string]any{"id": m, "object": "model", "owned_by": "arbstr"})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *State) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.Router.Providers()
	out := make([]map[string]any, 0, len(providers))
	for _, p := range providers {
		var key any
		if !p.APIKey.IsZero() {
			key = p.APIKey.MaskedPrefix()
		}
		out = append(out, map[string]any{
			"name":                    p.Name,
			"models":                  p.Models,
			"input_rate_sats_per_1k":  p.InputRate,
			"output_rate_sats_per_1k": p.OutputRate,
			"base_fee_sats":           p.BaseFee,
			"api_key":                 key,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleHealth reports overall status derived from every provider's
// circuit state: ok when every circuit is Closed (or none exist yet),
// unhealthy when every known circuit is Open (no request could possibly
// succeed), degraded for anything in between.
func (s *State) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Breakers.Snapshot()
	providers := make(map[string]any, len(snap))
	var anyOpen, anyHalfOpen bool
	var closedCount int
	for name, entry := range snap {
		providers[name] = map[string]any{"state": string(entry.State), "failure_count": entry.FailureCount}
		switch entry.State {
		case "open":
			anyOpen = true
		case "half_open":
			anyHalfOpen = true
		case "closed":
			closedCount++
		}
	}

	status, code := "ok", http.StatusOK
	switch {
	case len(snap) == 0 || closedCount == len(snap):
		status, code = "ok", http.StatusOK
	case anyOpen && !anyHalfOpen && closedCount == 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	default:
		status, code = "degraded", http.StatusOK
	}

	writeJSON(w, code, map[string]any{"status": status, "service": "arbstr", "providers": providers})
}

func rangePreset(s string) (time.Duration, bool) {
	switch s {
	case "last_1h":
		return time.Hour, true
	case "last_24h":
		return 24 * time.Hour, true
	case "last_7d":
		return 7 * 24 * time.Hour, true
	case "last_30d":
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// resolveTimeRange applies a priority order: explicit since/until beat a
// named range preset, which beats the default window of the last 7 days.
func resolveTimeRange(r *http.Request) (time.Time, time.Time, *providererr.Error) {
	now := time.Now().UTC()
	q := r.URL.Query()

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, providererr.New(http.StatusBadRequest, "invalid 'since' timestamp: %s", err)
		}
		since = t.UTC()
	} else if v := q.Get("range"); v != "" {
		d, ok := rangePreset(v)
		if !ok {
			return time.Time{}, time.Time{}, providererr.New(http.StatusBadRequest, "invalid range %q: supported last_1h, last_24h, last_7d, last_30d", v)
		}
		since = now.Add(-d)
	} else {
		since = now.Add(-7 * 24 * time.Hour)
	}

	until := now
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, providererr.New(http.StatusBadRequest, "invalid 'until' timestamp: %s", err)
		}
		until = t.UTC()
	}
	return since, until, nil
}

func (s *State) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"empty": true, "message": "no database configured"})
		return
	}
	since, until, perr := resolveTimeRange(r)
	if perr != nil {
		providererr.WriteJSON(w, perr.Status, perr.Message)
		return
	}
	q := r.URL.Query()
	var model, provider *string
	if v := q.Get("model"); v != "" {
		model = &v
	}
	if v := q.Get("provider"); v != "" {
		provider = &v
	}

	ctx := r.Context()
	sinceStr, untilStr := since.Format(time.RFC3339), until.Format(time.RFC3339)
	agg, err := s.Store.QueryAggregate(ctx, sinceStr, untilStr, model, provider)
	if err != nil {
		providererr.WriteJSON(w, http.StatusInternalServerError, "stats query failed: "+err.Error())
		return
	}

	resp := map[string]any{
		"since": sinceStr, "until": untilStr,
		"counts": map[string]any{
			"total": agg.TotalRequests, "success": agg.SuccessCount,
			"error": agg.ErrorCount, "streaming": agg.StreamingCount,
		},
		"costs": map[string]any{
			"total_sats":          formatCost(agg.TotalCostSats),
			"total_input_tokens":  agg.TotalInputTokens,
			"total_output_tokens": agg.TotalOutputTokens,
		},
		"performance": map[string]any{"avg_latency_ms": agg.AvgLatencyMs},
	}
	if agg.TotalRequests == 0 {
		resp["empty"] = true
		resp["message"] = "no requests in range"
	}

	if strings.EqualFold(q.Get("group_by"), "model") {
		rows, err := s.Store.QueryGroupedByModel(ctx, sinceStr, untilStr, provider)
		if err != nil {
			providererr.WriteJSON(w, http.StatusInternalServerError, "stats query failed: "+err.Error())
			return
		}
		models := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			models = append(models, map[string]any{
				"model":           row.Model,
				"total_requests":  row.TotalRequests,
				"total_cost_sats": formatCost(row.TotalCostSats),
				"avg_latency_ms":  row.AvgLatencyMs,
			})
		}
		resp["models"] = models
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *State) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"requests": []storage.LogRow{}, "total": 0})
		return
	}
	since, until, perr := resolveTimeRange(r)
	if perr != nil {
		providererr.WriteJSON(w, perr.Status, perr.Message)
		return
	}
	q := r.URL.Query()
	var model, provider *string
	if v := q.Get("model"); v != "" {
		model = &v
	}
	if v := q.Get("provider"); v != "" {
		provider = &v
	}
	var success, streaming *bool
	if v := q.Get("success"); v != "" {
		b := v == "true"
		success = &b
	}
	if v := q.Get("streaming"); v != "" {
		b := v == "true"
		streaming = &b
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	sortColumn := "timestamp"
	if v := q.Get("sort"); v != "" && storage.SortColumnAllowed(v) {
		sortColumn = v
	}
	sortDirection := "DESC"
	if strings.EqualFold(q.Get("order"), "asc") {
		sortDirection = "ASC"
	}

	ctx := r.Context()
	sinceStr, untilStr := since.Format(time.RFC3339), until.Format(time.RFC3339)
	total, err := s.Store.CountLogs(ctx, sinceStr, untilStr, model, provider, success, streaming)
	if err != nil {
		providererr.WriteJSON(w, http.StatusInternalServerError, "request log query failed: "+err.Error())
		return
	}
	rows, err := s.Store.QueryLogs(ctx, sinceStr, untilStr, model, provider, success, streaming, sortColumn, sortDirection, limit, offset)
	if err != nil {
		providererr.WriteJSON(w, http.StatusInternalServerError, "request log query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": rows, "total": total, "limit": limit, "offset": offset})
}
