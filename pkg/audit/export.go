package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat names an output encoding for Export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// ParseExportFormat parses a format name, case-insensitively
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ExportFormatJSON, ExportFormatNDJSON, ExportFormatCSV:
		return f, nil
	case "":
		return ExportFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Export writes events to w in the given format
func Export(w io.Writer, format ExportFormat, events []*AuditEvent) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case ExportFormatJSON:
		data, err = exportJSON(events)
	case ExportFormatNDJSON:
		data, err = exportNDJSON(events)
	case ExportFormatCSV:
		data, err = exportCSV(events)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// exportJSON exports audit events as JSON array
func exportJSON(events []*AuditEvent) ([]byte, error) {
	if events == nil {
		events = []*AuditEvent{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// exportNDJSON exports audit events as newline-delimited JSON
func exportNDJSON(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports audit events as CSV
func exportCSV(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"OperationID",
		"EventType",
		"Status",
		"Actor",
		"OrganisationID",
		"Subject",
		"ResourceType",
		"ResourceID",
		"ResourceName",
		"Message",
		"ErrorMessage",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			event.OperationID,
			string(event.EventType),
			string(event.Status),
			event.Actor,
			formatInt64Ptr(event.OrganisationID),
			event.Subject,
			string(event.ResourceType),
			event.ResourceID,
			event.ResourceName,
			event.Message,
			event.ErrorMessage,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
