package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

// mockHealthCheck 模拟健康检查
type mockHealthCheck struct {
	name  string
	err   error
	delay time.Duration
}

func (m *mockHealthCheck) Name() string {
	return m.name
}

func (m *mockHealthCheck) Check(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler("1.2.3", zap.NewNop())
	// 存活探针不访问后端
	handler.RegisterCheck(&mockHealthCheck{name: "redis", err: errors.New("down")})

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, w.Code, path)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "1.2.3", status.Version)
		assert.False(t, status.Timestamp.IsZero())
		assert.Empty(t, status.Checks)
	}
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name           string
		checks         []HealthCheck
		expectedStatus int
		expectedHealth string
	}{
		{
			name:           "no checks",
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				&mockHealthCheck{name: "database"},
				&mockHealthCheck{name: "redis"},
			},
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				&mockHealthCheck{name: "database"},
				&mockHealthCheck{name: "redis", err: errors.New("connection refused")},
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler("dev", zap.NewNop())
			for _, c := range tt.checks {
				handler.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.expectedHealth, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for _, c := range tt.checks {
				res, ok := status.Checks[c.Name()]
				require.True(t, ok, c.Name())
				if c.(*mockHealthCheck).err != nil {
					assert.Equal(t, "fail", res.Status)
					assert.Equal(t, "connection refused", res.Message)
				} else {
					assert.Equal(t, "pass", res.Status)
				}
			}
		})
	}
}

func TestHealthHandler_HandleReady_Timeout(t *testing.T) {
	handler := NewHealthHandler("dev", zap.NewNop())
	handler.timeout = 20 * time.Millisecond
	handler.RegisterCheck(&mockHealthCheck{name: "slow", delay: time.Second})

	start := time.Now()
	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler("1.0.0", zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1.0.0", resp.Data["version"])
	assert.Equal(t, "2026-01-01", resp.Data["build_time"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
}

func TestCheckFunc(t *testing.T) {
	calls := 0
	check := NewCheckFunc("mongodb", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.Equal(t, "mongodb", check.Name())
	require.NoError(t, check.Check(context.Background()))
	assert.Equal(t, 1, calls)
}
