package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskflow/config"
)

// =============================================================================
// health 命令
// =============================================================================

func TestRunHealthCheck(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/ready":
			if ready.Load() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"--addr", srv.URL + "/"}, &out))
	assert.Equal(t, "OK\n", out.String())

	err := runHealthCheck([]string{"--addr", srv.URL, "--ready"}, &out)
	assert.ErrorContains(t, err, "status 503")

	ready.Store(true)
	assert.NoError(t, runHealthCheck([]string{"--addr", srv.URL, "--ready"}, &out))
}

func TestRunHealthCheck_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// 自签名证书需要 --insecure
	assert.Error(t, runHealthCheck([]string{"--addr", srv.URL}, &bytes.Buffer{}))
	assert.NoError(t, runHealthCheck([]string{"--addr", srv.URL, "--insecure"}, &bytes.Buffer{}))
}

func TestRunHealthCheck_BadFlag(t *testing.T) {
	assert.Error(t, runHealthCheck([]string{"--nope"}, &bytes.Buffer{}))
}

// =============================================================================
// migrate 命令
// =============================================================================

func TestSplitMigrateArgs(t *testing.T) {
	tests := []struct {
		args           []string
		wantCommand    string
		wantPositional []string
		wantFlags      []string
	}{
		{[]string{"up"}, "up", nil, []string{}},
		{[]string{"up", "--config", "c.yaml"}, "up", nil, []string{"--config", "c.yaml"}},
		{[]string{"steps", "-1", "--config", "c.yaml"}, "steps", []string{"-1"}, []string{"--config", "c.yaml"}},
		{[]string{"goto", "2"}, "goto", []string{"2"}, []string{}},
	}
	for _, tt := range tests {
		cmd, pos, flags := splitMigrateArgs(tt.args)
		assert.Equal(t, tt.wantCommand, cmd)
		assert.Equal(t, tt.wantPositional, pos)
		assert.Equal(t, tt.wantFlags, flags)
	}
}

func TestMigrate_Help(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, migrate([]string{"help"}, &out))
	assert.Contains(t, out.String(), "down-all")
	assert.Contains(t, out.String(), "--db-url")
}

func TestMigrate_SQLite(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "m.db") + "?mode=rwc"
	flags := []string{"--db-type", "sqlite", "--db-url", url}

	var out bytes.Buffer
	require.NoError(t, migrate(append([]string{"up"}, flags...), &out))

	out.Reset()
	require.NoError(t, migrate(append([]string{"version"}, flags...), &out))
	assert.Contains(t, out.String(), "Current version: 3")

	require.NoError(t, migrate(append([]string{"steps", "-1"}, flags...), &out))
	out.Reset()
	require.NoError(t, migrate(append([]string{"version"}, flags...), &out))
	assert.Contains(t, out.String(), "Current version: 2")

	assert.Error(t, migrate(append([]string{"bogus"}, flags...), &out))
}

func TestMigrate_FromConfigRequiresDatabaseStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: memory\n"), 0o600))

	err := migrate([]string{"up", "--config", path}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "no relational schema")
}

// =============================================================================
// 配置与日志
// =============================================================================

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: etcd\n"), 0o600))

	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "invalid config")
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger := initLogger(config.LogConfig{Level: tt.level, Format: "console"})
		assert.True(t, logger.Core().Enabled(tt.want))
		if tt.want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(tt.want-1))
		}
	}
}
