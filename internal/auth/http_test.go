// ABOUTME: Tests for the shared-secret HTTP middleware
// ABOUTME: Covers bearer and custom header credentials, rejection and hot swap

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, secret *SharedSecret, header string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(secret, header)(handler).ServeHTTP(rec, req)
	return rec
}

func TestHTTPAuthMiddleware_DisabledWithoutToken(t *testing.T) {
	rec := serve(t, NewSharedSecret(""), "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_BearerToken(t *testing.T) {
	secret := NewSharedSecret("s3cret")
	rec := serve(t, secret, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_CustomHeader(t *testing.T) {
	secret := NewSharedSecret("s3cret")

	rec := serve(t, secret, "", func(r *http.Request) {
		r.Header.Set(DefaultHeader, "s3cret")
	})
	if rec.Code != http.StatusOK {
		t.Errorf("default header: expected 200, got %d", rec.Code)
	}

	rec = serve(t, secret, "X-Dispatch-Key", func(r *http.Request) {
		r.Header.Set("X-Dispatch-Key", "s3cret")
	})
	if rec.Code != http.StatusOK {
		t.Errorf("configured header: expected 200, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	secret := NewSharedSecret("s3cret")
	cases := map[string]func(*http.Request){
		"missing":     nil,
		"wrong":       func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
		"prefix only": func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cr") },
		"basic auth":  func(r *http.Request) { r.Header.Set("Authorization", "Basic s3cret") },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, secret, "", setup)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestSharedSecret_SetToken(t *testing.T) {
	secret := NewSharedSecret("old")
	withToken := func(tok string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
	}

	if rec := serve(t, secret, "", withToken("old")); rec.Code != http.StatusOK {
		t.Fatalf("old token rejected: %d", rec.Code)
	}

	secret.SetToken("new")
	if rec := serve(t, secret, "", withToken("old")); rec.Code != http.StatusUnauthorized {
		t.Errorf("old token accepted after swap: %d", rec.Code)
	}
	if rec := serve(t, secret, "", withToken("new")); rec.Code != http.StatusOK {
		t.Errorf("new token rejected: %d", rec.Code)
	}

	secret.SetToken("")
	if secret.Enabled() {
		t.Error("expected auth disabled after clearing token")
	}
	if rec := serve(t, secret, "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected open API after clearing token, got %d", rec.Code)
	}
}
