package authmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("correct-token")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer correct-token", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase bearer", "bearer correct-token", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized},
		{"partial match", "Bearer correct", http.StatusUnauthorized},
		{"token with suffix", "Bearer correct-token-extra", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body = %q, want a JSON error", rec.Body.String())
			}
		})
	}
}

func TestBearerToken_EmptyDisablesCheck(t *testing.T) {
	t.Parallel()

	h := BearerToken("")(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"from":"5511999990000","body":"oi"}`)
	good := Sign("s3cret", body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
		want   bool
	}{
		{"valid", "s3cret", body, good, true},
		{"wrong secret", "other", body, good, false},
		{"tampered body", "s3cret", []byte(`{"from":"x"}`), good, false},
		{"missing prefix", "s3cret", body, strings.TrimPrefix(good, "sha256="), false},
		{"not hex", "s3cret", body, "sha256=zz", false},
		{"empty", "s3cret", body, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := VerifySignature(tt.secret, tt.body, tt.header); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()

	const body = `{"from":"5511999990000","body":"oi"}`

	// echoes the body it received and the recorded status
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Status", StatusFromContext(r.Context()).String())
		_, _ = w.Write(b)
	})
	rejected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Status", StatusFromContext(r.Context()).String())
		_, _ = w.Write([]byte(`{"status":"ignored"}`))
	})

	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus string
		wantBody   string
	}{
		{"valid", "s3cret", Sign("s3cret", []byte(body)), "valid", body},
		{"mismatch", "s3cret", Sign("nope", []byte(body)), "invalid", `{"status":"ignored"}`},
		{"missing header", "s3cret", "", "invalid", `{"status":"ignored"}`},
		{"no secret", "", "", "unsigned", body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := Signature(func(*http.Request) string { return tt.secret }, rejected)(echo)
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			if tt.header != "" {
				req.Header.Set(SignatureHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Status"); got != tt.wantStatus {
				t.Errorf("status = %q, want %q", got, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSignature_BodyTooLarge(t *testing.T) {
	t.Parallel()

	h := Signature(func(*http.Request) string { return "s3cret" }, okHandler)(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 64)))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 16)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	if got := rec.Body.String(); got != `{"error":"payload too large"}` {
		t.Errorf("body = %q", got)
	}
}

func TestStatusFromContext_Unchecked(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := StatusFromContext(req.Context()); got != SignatureUnchecked {
		t.Errorf("status = %v, want unchecked", got)
	}
}
