package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestNewDBLogger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_access_log").WillReturnResult(sqlmock.NewResult(0, 0))

		logger, err := NewDBLogger(db)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		logger, err := NewDBLogger(nil)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_access_log").WillReturnError(errors.New("table creation failed"))

		logger, err := NewDBLogger(db)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "failed to ensure plugin_access_log table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBLogger_LogAccess(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}

	mock.ExpectQuery("INSERT INTO plugin_access_log").
		WithArgs(
			sqlmock.AnyArg(), "access.api_call", "denied",
			"project-timeline", "read:logs", "",
			"", "",
			"", "/api/v1/logs", 0,
			"capability not granted", "", sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	err := logger.LogAccess(context.Background(), EventTypeAPICall, "project-timeline", "read:logs", "/api/v1/logs",
		EventStatusDenied, "capability not granted")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_LogError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}

	mock.ExpectQuery("INSERT INTO plugin_access_log").WillReturnError(errors.New("connection reset"))

	err := logger.LogLifecycle(context.Background(), EventTypePluginInstall, "project-timeline", EventStatusSuccess, "installed 1.0.0")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit log")
}

func searchColumns() []string {
	return []string{
		"id", "timestamp", "event_type", "status",
		"plugin_id", "capability", "origin",
		"ip_address", "request_id",
		"method", "path", "status_code",
		"message", "error_message", "metadata",
	}
}

func TestDBLogger_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}
	now := time.Now().UTC()
	denied := EventStatusDenied

	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND plugin_id = $1 AND status = $2 ORDER BY timestamp DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs("project-timeline", "denied", 10, 5).
		WillReturnRows(sqlmock.NewRows(searchColumns()).
			AddRow(2, now, "access.api_call", "denied", "project-timeline", "read:logs", nil,
				nil, nil, nil, "/api/v1/logs", nil, "capability not granted", nil, []byte(`{"lane":"inline"}`)).
			AddRow(1, now.Add(-time.Minute), "access.network_request", "denied", "project-timeline", "network:http",
				"https://evil.example", nil, nil, "GET", "https://evil.example/x", nil, "origin not allowed", nil, nil))

	events, err := logger.Search(context.Background(), SearchFilter{
		PluginID: "project-timeline",
		Status:   &denied,
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, EventTypeAPICall, events[0].EventType)
	assert.Equal(t, "inline", events[0].Metadata["lane"])
	assert.Equal(t, "https://evil.example", events[1].Origin)
	assert.Equal(t, "GET", events[1].Method)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_GetStats(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT event_type, status, COUNT(*) FROM plugin_access_log WHERE 1=1 AND plugin_id = $1 GROUP BY event_type, status")).
		WithArgs("project-timeline").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "status", "count"}).
			AddRow("access.api_call", "success", 40).
			AddRow("access.api_call", "denied", 3).
			AddRow("access.network_request", "denied", 2))

	stats, err := logger.GetStats(context.Background(), SearchFilter{PluginID: "project-timeline"})
	require.NoError(t, err)
	assert.Equal(t, int64(45), stats.TotalEvents)
	assert.Equal(t, int64(5), stats.Denials)
	assert.Equal(t, int64(43), stats.EventsByType[EventTypeAPICall])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_Cleanup(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}

	mock.ExpectExec("DELETE FROM plugin_access_log WHERE timestamp <").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 17))

	removed, err := logger.Cleanup(context.Background(), DefaultRetentionPolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(17), removed)

	removed, err = logger.Cleanup(context.Background(), RetentionPolicy{})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
