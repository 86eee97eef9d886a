package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Handlers provides HTTP handlers for the access log API
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{
		store: store,
	}
}

// RegisterRoutes registers access log routes on an /api/v1 subrouter
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plugins/{id}/access-log", h.pluginAccessLog).Methods("GET")
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/stats", h.getStats).Methods("GET")
}

// pluginAccessLog handles GET /plugins/{id}/access-log
func (h *Handlers) pluginAccessLog(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.PluginID = mux.Vars(r)["id"]
	if len(filter.EventTypes) == 0 {
		filter.EventTypes = AccessEventTypes
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == ExportFormatCSV || format == ExportFormatNDJSON {
		writeExport(w, events, format)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"plugin_id": filter.PluginID,
		"entries":   events,
		"count":     len(events),
		"limit":     filter.limit(),
		"offset":    filter.Offset,
	})
}

// listEvents handles GET /audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.PluginID = r.URL.Query().Get("plugin_id")

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if format := ExportFormat(r.URL.Query().Get("format")); format != "" {
		writeExport(w, events, format)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.limit(),
		"offset": filter.Offset,
	})
}

// getStats handles GET /audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.PluginID = r.URL.Query().Get("plugin_id")

	stats, err := h.store.GetStats(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func writeExport(w http.ResponseWriter, events []*AuditEvent, format ExportFormat) {
	var buf bytes.Buffer
	if err := Export(&buf, events, format); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=access-log.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=access-log.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=access-log.json")
	}
	w.Write(buf.Bytes())
}

type filterError string

func (e filterError) Error() string { return string(e) }

// parseFilter parses search filter from query parameters
func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{}

	if startStr := query.Get("start_time"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, filterError("start_time must be RFC3339")
		}
		filter.StartTime = &t
	}

	if endStr := query.Get("end_time"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, filterError("end_time must be RFC3339")
		}
		filter.EndTime = &t
	}

	for _, et := range parseCommaSeparated(query.Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, EventType(et))
	}

	if statusStr := query.Get("status"); statusStr != "" {
		status := EventStatus(statusStr)
		switch status {
		case EventStatusSuccess, EventStatusFailure, EventStatusDenied:
		default:
			return filter, filterError("status must be one of success, failure, denied")
		}
		filter.Status = &status
	}

	filter.Capability = query.Get("capability")

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > MaxSearchLimit {
			return filter, filterError("limit must be between 1 and 1000")
		}
		filter.Limit = limit
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return filter, filterError("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	return filter, nil
}

// parseCommaSeparated parses a comma-separated string into a slice
func parseCommaSeparated(s string) []string {
	var result []string
	for _, val := range strings.Split(s, ",") {
		if val = strings.TrimSpace(val); val != "" {
			result = append(result, val)
		}
	}
	return result
}
