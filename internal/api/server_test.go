package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainMCP/internal/auth"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/resilience"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/tools"
)

type staticState subscription.State

func (s staticState) State() subscription.State { return subscription.State(s) }

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	mustRegister := func(tool tools.Tool) {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name, err)
		}
	}
	mustRegister(tools.Tool{
		Name:        "echo",
		Description: "returns its params",
		Handler: func(_ context.Context, params json.RawMessage) (any, error) {
			var v map[string]any
			if len(params) > 0 {
				if err := json.Unmarshal(params, &v); err != nil {
					return nil, xerrors.Wrap(xerrors.KindValidation, err, "bad params")
				}
			}
			return v, nil
		},
	})
	mustRegister(tools.Tool{
		Name: "throttled",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, xerrors.New(xerrors.KindRateLimited, "slow down", xerrors.WithRetryAfter(1500*time.Millisecond))
		},
	})
	mustRegister(tools.Tool{
		Name: "broken",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
	})
	return registry
}

func TestCallToolSuccess(t *testing.T) {
	server := NewServer(":0", newTestRegistry(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/echo", strings.NewReader(`{"greeting":"hi"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got struct {
		Tool   string         `json:"tool"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Tool != "echo" || got.Result["greeting"] != "hi" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCallToolErrors(t *testing.T) {
	server := NewServer(":0", newTestRegistry(t))
	handler := server.Handler()

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		kind   xerrors.Kind
	}{
		{name: "unknown tool", path: "/api/v1/tools/missing", status: http.StatusNotFound, kind: xerrors.KindNotFound},
		{name: "validation", path: "/api/v1/tools/echo", body: `[1,2]`, status: http.StatusBadRequest, kind: xerrors.KindValidation},
		{name: "rate limited", path: "/api/v1/tools/throttled", status: http.StatusTooManyRequests, kind: xerrors.KindRateLimited},
		{name: "unclassified", path: "/api/v1/tools/broken", status: http.StatusInternalServerError, kind: xerrors.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, body.Kind)
			}
		})
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	server := NewServer(":0", newTestRegistry(t))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/throttled", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}

func TestCallToolRejectsWrongMethod(t *testing.T) {
	server := NewServer(":0", newTestRegistry(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools/echo", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestListTools(t *testing.T) {
	server := NewServer(":0", newTestRegistry(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var got []tools.Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 3 || got[0].Name != "broken" || got[1].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", got)
	}
}

func TestHealth(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		server := NewServer(":0", nil, WithState(staticState{Phase: subscription.PhaseConnected, Subscriptions: 2}))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: %d", rec.Code)
		}
		var got healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.Status != "ok" || got.Subscription == nil || got.Subscription.Subscriptions != 2 {
			t.Fatalf("unexpected health: %+v", got)
		}
	})

	t.Run("failed connection", func(t *testing.T) {
		server := NewServer(":0", nil, WithState(staticState{Phase: subscription.PhaseFailed, LastError: "gone"}))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})

	t.Run("open breaker", func(t *testing.T) {
		breakers := resilience.NewBreakers(1, time.Minute)
		_ = breakers.Get("rpc").Call(context.Background(), func(context.Context) error {
			return xerrors.New(xerrors.KindNetwork, "down")
		})
		server := NewServer(":0", nil, WithBreakers(breakers))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		var got healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.Status != "degraded" || len(got.Breakers) != 1 || !got.Breakers[0].Open {
			t.Fatalf("unexpected health: %+v", got)
		}
	})
}

func TestToolRoutesRequireKey(t *testing.T) {
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{{Name: "limited", Secret: "s3cret", Tools: []string{"echo"}}},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	handler := NewServer(":0", newTestRegistry(t), WithAuth(svc)).Handler()

	call := func(path, key string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call("/api/v1/tools/echo", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected %d without key, got %d", http.StatusUnauthorized, code)
	}
	if code := call("/api/v1/tools/echo", "s3cret"); code != http.StatusOK {
		t.Fatalf("expected %d with key, got %d", http.StatusOK, code)
	}
	if code := call("/api/v1/tools/broken", "s3cret"); code != http.StatusForbidden {
		t.Fatalf("expected %d for tool outside allow list, got %d", http.StatusForbidden, code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health check must not require a key, got %d", rec.Code)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[xerrors.Kind]int{
		xerrors.KindUnauthorized:        http.StatusUnauthorized,
		xerrors.KindTimeout:             http.StatusGatewayTimeout,
		xerrors.KindUpstreamUnavailable: http.StatusServiceUnavailable,
		xerrors.KindNetwork:             http.StatusBadGateway,
		xerrors.Kind("custom"):          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("kind %s: expected %d, got %d", kind, want, got)
		}
	}
}
