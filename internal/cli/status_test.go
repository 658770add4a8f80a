package cli

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("running server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			_ = json.NewEncoder(w).Encode(healthReport{Status: "ok", Connections: 2, Sessions: 1, UptimeSec: 3725})
		}))
		defer srv.Close()

		host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		path := writeConfig(t, map[string]interface{}{
			"switchboard": map[string]interface{}{"host": host, "port": port},
		})

		out, err := executeCommand(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: ok")
		assert.Contains(t, out, "Connections: 2")
		assert.Contains(t, out, "Sessions: 1")
		assert.Contains(t, out, "Uptime: 1h2m5s")
	})

	t.Run("stopped server", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		path := writeConfig(t, map[string]interface{}{
			"switchboard": map[string]interface{}{"host": "127.0.0.1", "port": port},
		})

		out, err := executeCommand(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours, minutes, seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
