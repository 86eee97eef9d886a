package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")
	w := httptest.NewRecorder()

	checker.Liveness(w, httptest.NewRequest("GET", "/health/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != StatusHealthy {
		t.Errorf("Expected status %s, got %v", StatusHealthy, body["status"])
	}
}

func TestHealthChecker_checkDatabase(t *testing.T) {
	t.Run("successful ping and query", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		status := NewHealthChecker(db, nil, "test").checkDatabase(context.Background())
		if status.Status == StatusUnhealthy {
			t.Errorf("Expected status not unhealthy, got %s: %s", status.Status, status.Message)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unmet expectations: %v", err)
		}
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil, "test").checkDatabase(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %s, got %s", StatusUnhealthy, status.Status)
		}
		if status.Message != "connection refused" {
			t.Errorf("Expected message 'connection refused', got %q", status.Message)
		}
	})
}

func TestHealthChecker_checkRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	status := NewHealthChecker(nil, client, "test").checkRedis(context.Background())
	if status.Status != StatusHealthy {
		t.Errorf("Expected status %s, got %s", StatusHealthy, status.Status)
	}

	mr.Close()
	status = NewHealthChecker(nil, client, "test").checkRedis(context.Background())
	if status.Status != StatusUnhealthy {
		t.Errorf("Expected status %s after redis stopped, got %s", StatusUnhealthy, status.Status)
	}
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("redis down only degrades", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer client.Close()

		status := NewHealthChecker(nil, client, "1.2.3").Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("Expected %s, got %s", StatusDegraded, status.Status)
		}
		if status.Version != "1.2.3" {
			t.Errorf("Expected version 1.2.3, got %s", status.Version)
		}
	})

	t.Run("critical check fails", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "test")
		checker.AddCheck("archive", false, func(ctx context.Context) error { return errors.New("bucket missing") })
		checker.AddCheck("plugins_dir", true, func(ctx context.Context) error { return errors.New("read-only filesystem") })

		status := checker.Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("Expected %s, got %s", StatusUnhealthy, status.Status)
		}
		if got := status.Dependencies["archive"].Status; got != StatusDegraded {
			t.Errorf("Expected non-critical failure to be %s, got %s", StatusDegraded, got)
		}
	})

	t.Run("all healthy", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "test")
		checker.AddCheck("archive", false, func(ctx context.Context) error { return nil })

		if status := checker.Check(context.Background()); status.Status != StatusHealthy {
			t.Errorf("Expected %s, got %s", StatusHealthy, status.Status)
		}
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	router := mux.NewRouter()
	checker := NewHealthChecker(nil, nil, "test")
	checker.AddCheck("plugins_dir", true, func(ctx context.Context) error { return errors.New("missing") })
	RegisterHealthRoutes(router, checker)

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/health", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, w.Code)
		}
	}
}
