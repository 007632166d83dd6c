package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_FromContext(t *testing.T) {
	ctx := WithActor(context.Background(), "alice")
	ctx = WithOperationID(ctx, "op-42")

	event := NewEvent(ctx, EventTypePermissionOverrideSet)
	assert.Equal(t, "alice", event.Actor)
	assert.Equal(t, "op-42", event.OperationID)
	assert.Equal(t, EventStatusSuccess, event.Status)
	assert.NotNil(t, event.Metadata)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, time.Minute)
}

func TestContextHelpers_Empty(t *testing.T) {
	assert.Empty(t, ActorFromContext(context.Background()))
	assert.Empty(t, OperationIDFromContext(context.Background()))
}

func TestAuditEvent_JSON(t *testing.T) {
	org := int64(9)
	event := &AuditEvent{
		ID:             5,
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType:      EventTypeOverrideRevert,
		Status:         EventStatusSuccess,
		OrganisationID: &org,
		Changes: &ChangeDetails{
			Before: map[string]interface{}{"role_id": float64(10)},
			After:  map[string]interface{}{"role_id": float64(1)},
		},
	}

	data, err := event.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "error_message")

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, event.EventType, parsed.EventType)
	assert.Equal(t, org, *parsed.OrganisationID)
	assert.Equal(t, float64(1), parsed.Changes.After["role_id"])

	_, err = FromJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestParseExportFormat_Basic(t *testing.T) {
	f, err := ParseExportFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, ExportFormatCSV, f)

	f, err = ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, ExportFormatJSON, f)

	_, err = ParseExportFormat("xml")
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	org := int64(4)
	events := []*AuditEvent{
		{ID: 1, Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), EventType: EventTypeRoleCreate, Status: EventStatusSuccess, OrganisationID: &org, Message: "created, with comma"},
		{ID: 2, Timestamp: time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), EventType: EventTypeRoleDelete, Status: EventStatusFailure},
	}

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatCSV, events))

		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "ID", records[0][0])
		assert.Equal(t, "4", records[1][6])
		assert.Equal(t, "", records[2][6])
		assert.Equal(t, "created, with comma", records[1][11])
	})

	t.Run("ndjson", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatNDJSON, events))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, 2)
	})

	t.Run("json empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatJSON, nil))
		assert.Equal(t, "[]", buf.String())
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, Export(&bytes.Buffer{}, ExportFormat("xml"), events))
	})
}
