package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/54b3r/kbai-go/internal/version"
)

// ---------------------------------------------------------------------------
// Fake Pinger for readiness tests
// ---------------------------------------------------------------------------

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
	// calls counts Ping invocations.
	calls atomic.Int32
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(context.Context) error {
	f.calls.Add(1)
	return f.err
}

// getReady runs GET /api/ready against a server wired with pingers.
func getReady(t *testing.T, pingers ...Pinger) (int, http.Header, readyResponse) {
	t.Helper()
	s, _ := newTestServer(t, &fakeService{}, &Config{Pingers: pingers})

	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, w.Header(), resp
}

// ---------------------------------------------------------------------------
// GET /api/health (liveness)
// ---------------------------------------------------------------------------

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeService{}, nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != version.Version {
		t.Errorf("body = %v", body)
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready (readiness)
// ---------------------------------------------------------------------------

func TestHandleReady(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	tests := []struct {
		name       string
		errs       map[string]error // pinger name → Ping result; nil entry is healthy
		order      []string
		wantStatus int
		wantReady  bool
		wantFailed []string
	}{
		{
			name:       "no pingers",
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name:       "all healthy",
			order:      []string{"qdrant", "sqlite", "generation"},
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name:       "vector store down",
			order:      []string{"qdrant", "sqlite", "generation"},
			errs:       map[string]error{"qdrant": down},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: []string{"qdrant"},
		},
		{
			name:  "everything down",
			order: []string{"pgvector", "sqlite", "generation"},
			errs: map[string]error{
				"pgvector":   down,
				"sqlite":     down,
				"generation": errors.New("config: missing OPENAI_API_KEY"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: []string{"pgvector", "sqlite", "generation"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fakes := make([]*fakePinger, 0, len(tc.order))
			pingers := make([]Pinger, 0, len(tc.order))
			for _, n := range tc.order {
				f := &fakePinger{name: n, err: tc.errs[n]}
				fakes = append(fakes, f)
				pingers = append(pingers, f)
			}

			status, header, resp := getReady(t, pingers...)

			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
			if ct := header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if resp.Ready != tc.wantReady {
				t.Errorf("ready = %v, want %v", resp.Ready, tc.wantReady)
			}
			if len(resp.Checks) != len(tc.order) {
				t.Fatalf("checks = %d, want %d", len(resp.Checks), len(tc.order))
			}
			for i, c := range resp.Checks {
				if c.Name != tc.order[i] {
					t.Errorf("check %d = %q, want registration order %q", i, c.Name, tc.order[i])
				}
				failed := slices.Contains(tc.wantFailed, c.Name)
				if c.OK == failed {
					t.Errorf("check %q ok = %v", c.Name, c.OK)
				}
				if failed && c.Error == "" {
					t.Errorf("check %q: missing error text", c.Name)
				}
				if !failed && c.Error != "" {
					t.Errorf("check %q: unexpected error %q", c.Name, c.Error)
				}
			}
			for _, f := range fakes {
				if n := f.calls.Load(); n != 1 {
					t.Errorf("pinger %q called %d times, want 1", f.name, n)
				}
			}
		})
	}
}

// TestHandleReady_ProbeSeesDeadline checks every probe gets its own bounded
// context.
func TestHandleReady_ProbeSeesDeadline(t *testing.T) {
	t.Parallel()

	var sawDeadline atomic.Bool
	p := pingerFunc{name: "qdrant", fn: func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	}}

	if status, _, _ := getReady(t, p); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !sawDeadline.Load() {
		t.Error("probe context has no deadline")
	}
}

// pingerFunc adapts a function to Pinger.
type pingerFunc struct {
	// name is returned by Name().
	name string
	// fn implements Ping.
	fn func(context.Context) error
}

func (p pingerFunc) Name() string                   { return p.name }
func (p pingerFunc) Ping(ctx context.Context) error { return p.fn(ctx) }
