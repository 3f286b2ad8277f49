package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/slideforge/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg, newTestLogger(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090

	srv, err := New(cfg, nil, http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.Addr())
}

func TestRunShutsDownWhenContextCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv, err := New(cfg, newTestLogger(), handler)
	require.NoError(t, err)

	hooks := make(chan struct{}, 2)
	srv.OnShutdown(func() { hooks <- struct{}{} })
	srv.OnShutdown(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not return after cancellation")
	}
	require.Len(t, hooks, 1)
}

func TestInstrumentLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := Instrument(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))

	for _, path := range []string{"/healthz", "/boom", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	}

	var records []map[string]any
	dec := json.NewDecoder(&buf)
	for {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			require.True(t, errors.Is(err, io.EOF), "decode: %v", err)
			break
		}
		records = append(records, rec)
	}

	require.Len(t, records, 2, "metrics scrapes log at debug")
	require.Equal(t, "/healthz", records[0]["route"])
	require.EqualValues(t, http.StatusOK, records[0]["status"])
	require.EqualValues(t, 5, records[0]["bytes"])
	require.Equal(t, "http", records[0]["agent"])
	require.Contains(t, records[0], "latency_ms")

	require.Equal(t, "/boom", records[1]["route"])
	require.EqualValues(t, http.StatusInternalServerError, records[1]["status"])
	require.Equal(t, "ERROR", records[1]["level"])
}
