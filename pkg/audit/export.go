package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

type column struct {
	name  string
	value func(e *AuditEvent) string
}

var csvColumns = []column{
	{"id", func(e *AuditEvent) string { return strconv.FormatInt(e.ID, 10) }},
	{"timestamp", func(e *AuditEvent) string { return e.Timestamp.UTC().Format(time.RFC3339Nano) }},
	{"event_type", func(e *AuditEvent) string { return string(e.EventType) }},
	{"status", func(e *AuditEvent) string { return string(e.Status) }},
	{"plugin_id", func(e *AuditEvent) string { return e.PluginID }},
	{"capability", func(e *AuditEvent) string { return e.Capability }},
	{"origin", func(e *AuditEvent) string { return e.Origin }},
	{"method", func(e *AuditEvent) string { return e.Method }},
	{"path", func(e *AuditEvent) string { return e.Path }},
	{"status_code", func(e *AuditEvent) string {
		if e.StatusCode == 0 {
			return ""
		}
		return strconv.Itoa(e.StatusCode)
	}},
	{"request_id", func(e *AuditEvent) string { return e.RequestID }},
	{"message", func(e *AuditEvent) string { return e.Message }},
	{"error", func(e *AuditEvent) string { return e.ErrorMessage }},
}

// Export writes events to w. Unknown formats are written as a JSON array.
func Export(w io.Writer, events []*AuditEvent, format ExportFormat) error {
	switch format {
	case ExportFormatCSV:
		return exportCSV(w, events)
	case ExportFormatNDJSON:
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event %d: %w", e.ID, err)
			}
		}
		return nil
	default:
		if events == nil {
			events = []*AuditEvent{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
}

func exportCSV(w io.Writer, events []*AuditEvent) error {
	cw := csv.NewWriter(w)

	row := make([]string, len(csvColumns))
	for i, c := range csvColumns {
		row[i] = c.name
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		for i, c := range csvColumns {
			row[i] = c.value(e)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
