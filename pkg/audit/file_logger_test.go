package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		Rotate:   false,
		MaxSize:  1024 * 1024,
		MaxFiles: 5,
	})
	require.NoError(t, err)
	defer logger.Close()

	org := int64(3)
	event := &AuditEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      EventTypeAssignmentGrant,
		Status:         EventStatusSuccess,
		Actor:          "alice",
		OrganisationID: &org,
		Subject:        "user:12",
		ResourceType:   ResourceTypeAssignment,
		Message:        "granted viewer",
	}
	require.NoError(t, logger.Log(context.Background(), event))

	assert.FileExists(t, filepath.Join(tmpDir, "audit.log"))

	events, err := logger.ReadLogs(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeAssignmentGrant, events[0].EventType)
	assert.Equal(t, "user:12", events[0].Subject)
	require.NotNil(t, events[0].OrganisationID)
	assert.Equal(t, org, *events[0].OrganisationID)
}

func TestFileLogger_ReadLogsLimit(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, &AuditEvent{
			EventType:  EventTypeRoleCreate,
			Status:     EventStatusSuccess,
			ResourceID: fmt.Sprint(i),
		}))
	}

	events, err := logger.ReadLogs(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	all, err := logger.ReadLogs(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "4", all[4].ResourceID)
}

func TestFileLogger_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		Rotate:   true,
		MaxSize:  200,
		MaxFiles: 2,
	})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, logger.Log(ctx, &AuditEvent{
			EventType: EventTypeTemplateSync,
			Status:    EventStatusSuccess,
			Message:   "synchronised template from catalogue",
		}))
	}

	rotated, err := filepath.Glob(filepath.Join(tmpDir, "audit-*.log"))
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)
	assert.LessOrEqual(t, len(rotated), 2)
	assert.FileExists(t, filepath.Join(tmpDir, "audit.log"))
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), &AuditEvent{EventType: EventTypeRoleDelete})
	assert.Error(t, err)
}
