package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"

	xerrors "ControlAgent/internal/errors"
	"ControlAgent/pkg/envelope"
)

type stubIngester struct {
	got envelope.Envelope
	err error
}

func (s *stubIngester) Run(_ context.Context, env envelope.Envelope) error {
	s.got = env
	return s.err
}

type stubQuerier struct {
	out envelope.Envelope
	err error
}

func (s *stubQuerier) Run(_ context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return s.out, s.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateDatabaseSuccess(t *testing.T) {
	ingest := &stubIngester{}
	server := NewServer(Config{}, ingest, &stubQuerier{})

	rec := do(t, server.Handler(), http.MethodPost, "/createNewDatabase", `{"cipherData":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if body := decode(t, rec); body["Status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
	if ingest.got.CipherData != "abc" {
		t.Fatalf("envelope not forwarded: %+v", ingest.got)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestCreateDatabaseAcceptsStringEncodedBody(t *testing.T) {
	ingest := &stubIngester{}
	server := NewServer(Config{}, ingest, &stubQuerier{})

	body := strconv.Quote(`{"cipherData":"abc"}`)
	rec := do(t, server.Handler(), http.MethodPost, "/createNewDatabase", body)
	if rec.Code != http.StatusOK || ingest.got.CipherData != "abc" {
		t.Fatalf("unexpected result %d %+v", rec.Code, ingest.got)
	}
}

func TestProcessMessageReturnsCipherResponse(t *testing.T) {
	server := NewServer(Config{}, &stubIngester{}, &stubQuerier{out: envelope.Envelope{CipherData: "sealed-answer"}})

	rec := do(t, server.Handler(), http.MethodPost, "/processMessage", `{"cipherData":"q"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body := decode(t, rec); body["cipher_response"] != "sealed-answer" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   map[string]any
	}{
		{
			name:   "credentials",
			err:    xerrors.New(xerrors.CodeAuthenticationFailed, "Invalid credentials"),
			status: http.StatusForbidden,
			body:   map[string]any{"error": "Invalid credentials"},
		},
		{
			name:   "missing fields",
			err:    xerrors.New(xerrors.CodeValidationFailed, "missing", xerrors.WithFields("pass", "database")),
			status: http.StatusBadRequest,
			body:   map[string]any{"error": "missing or invalid fields", "missing_fields": []any{"pass", "database"}},
		},
		{
			name:   "slot",
			err:    xerrors.New(xerrors.CodeSlotResolutionFailed, "unknown database slot", xerrors.WithFields("database")),
			status: http.StatusBadRequest,
			body:   map[string]any{"error": "unknown database slot", "invalid_fields": []any{"database"}},
		},
		{
			name:   "upstream",
			err:    xerrors.Wrap(xerrors.CodeUpstreamFailed, errors.New("dial tcp: refused"), ""),
			status: http.StatusInternalServerError,
			body:   map[string]any{"Status": "Fail"},
		},
		{
			name:   "uncoded",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			body:   map[string]any{"Status": "Fail"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(Config{}, &stubIngester{err: tc.err}, &stubQuerier{})
			rec := do(t, server.Handler(), http.MethodPost, "/createNewDatabase", `{"cipherData":"x"}`)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if body := decode(t, rec); !reflect.DeepEqual(body, tc.body) {
				t.Fatalf("unexpected body %v", body)
			}
			if strings.Contains(rec.Body.String(), "refused") {
				t.Fatalf("error details leaked to client: %s", rec.Body.String())
			}
		})
	}
}

func TestMalformedEnvelope(t *testing.T) {
	server := NewServer(Config{MaxBodyBytes: 64}, &stubIngester{}, &stubQuerier{})
	for name, body := range map[string]string{
		"not json":       `<xml/>`,
		"no cipher":      `{"other":"x"}`,
		"bad string":     `"{unterminated`,
		"body too large": `{"cipherData":"` + strings.Repeat("a", 128) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, server.Handler(), http.MethodPost, "/processMessage", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decode(t, rec); got["error"] != "malformed payload" {
				t.Fatalf("unexpected body %v", got)
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	server := NewServer(Config{ExposeMetrics: true}, &stubIngester{}, &stubQuerier{})
	h := server.Handler()

	t.Run("healthz", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/healthz", "")
		if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
			t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/createNewDatabase", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		_ = do(t, h, http.MethodPost, "/createNewDatabase", `{"cipherData":"x"}`)
		rec := do(t, h, http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "controlagent_http_requests_total") {
			t.Fatalf("expected metrics exposition, got %d", rec.Code)
		}
	})

	t.Run("metrics disabled", func(t *testing.T) {
		plain := NewServer(Config{}, &stubIngester{}, &stubQuerier{}).Handler()
		if rec := do(t, plain, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 without metrics, got %d", rec.Code)
		}
	})
}
