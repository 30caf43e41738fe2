package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLevelForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   slog.Level
	}{
		{http.StatusOK, slog.LevelInfo},
		{http.StatusNoContent, slog.LevelInfo},
		{http.StatusBadRequest, slog.LevelWarn},
		{http.StatusTooManyRequests, slog.LevelWarn},
		{http.StatusInternalServerError, slog.LevelError},
		{http.StatusGatewayTimeout, slog.LevelError},
	}
	for _, tc := range tests {
		if got := levelForStatus(tc.status); got != tc.want {
			t.Errorf("levelForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestResponseWriter_CountsBytes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	if _, err := rw.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if rw.bytes != 11 {
		t.Errorf("bytes = %d, want 11", rw.bytes)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
