package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []Key{
			{Name: "ops", Secret: "ops-secret"},
			{Name: "reader", Secret: "reader-secret", Tools: []string{"get_balance", "GET_BLOCK_NUMBER"}},
			{Name: "retired", Secret: "old-secret", Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	cases := map[string]Config{
		"unknown mode":   {Mode: "oauth"},
		"no keys":        {Mode: ModeAPIKey},
		"missing name":   {Mode: ModeAPIKey, Keys: []Key{{Secret: "x"}}},
		"missing secret": {Mode: ModeAPIKey, Keys: []Key{{Name: "a"}}},
		"duplicate":      {Mode: ModeAPIKey, Keys: []Key{{Name: "a", Secret: "x"}, {Name: "a", Secret: "y"}}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode, got %s", svc.Mode())
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		name    string
		header  string
		value   string
		subject string
		err     error
	}{
		{name: "bearer", header: "Authorization", value: "Bearer ops-secret", subject: "ops"},
		{name: "api key header", header: HeaderAPIKey, value: "reader-secret", subject: "reader"},
		{name: "missing", err: ErrMissingKey},
		{name: "wrong scheme", header: "Authorization", value: "Basic b3BzOnNlY3JldA==", err: ErrInvalidKey},
		{name: "unknown key", header: HeaderAPIKey, value: "nope", err: ErrInvalidKey},
		{name: "disabled", header: HeaderAPIKey, value: "old-secret", err: ErrSubjectRevoked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			subject, err := svc.AuthenticateRequest(req)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if subject.Name != tc.subject {
				t.Fatalf("expected subject %s, got %s", tc.subject, subject.Name)
			}
		})
	}
}

func TestSubjectAuthorize(t *testing.T) {
	reader := &Subject{Name: "reader", Tools: []string{"get_balance", "GET_BLOCK_NUMBER"}}
	if err := reader.Authorize("get_block_number"); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := reader.Authorize("cache_stats"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	wildcard := &Subject{Name: "ops", Tools: []string{"*"}}
	if !wildcard.CanCall("anything") {
		t.Fatal("wildcard subject should call any tool")
	}

	var missing *Subject
	if err := missing.Authorize("x"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key for nil subject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := svc.Middleware(MiddlewareConfig{
		Tool: func(r *http.Request) string { return r.URL.Query().Get("tool") },
	})(next)

	t.Run("allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/?tool=get_balance", nil)
		req.Header.Set(HeaderAPIKey, "reader-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
		if seen == nil || seen.Name != "reader" {
			t.Fatalf("subject not propagated: %+v", seen)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/?tool=get_balance", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatal("expected WWW-Authenticate header")
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["kind"] != "unauthorized" {
			t.Fatalf("unexpected body: %v", body)
		}
	})

	t.Run("forbidden tool", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/?tool=cache_stats", nil)
		req.Header.Set(HeaderAPIKey, "reader-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
	})

	t.Run("disabled service passes through", func(t *testing.T) {
		open, err := NewService(Config{Mode: ModeDisabled})
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		rec := httptest.NewRecorder()
		open.Middleware(MiddlewareConfig{})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
	})
}
