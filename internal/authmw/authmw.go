// Package authmw provides HTTP middleware for admin bearer tokens and
// webhook payload signatures.
package authmw

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. An empty token
// disables the check.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, msg)
}

// writeError writes the same {"error": msg} envelope as the API handlers.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

//  Signatures

// SignatureStatus is the outcome of checking a request signature.
type SignatureStatus int

const (
	// SignatureUnchecked means no Signature middleware ran.
	SignatureUnchecked SignatureStatus = iota
	// SignatureUnsigned means the tenant has no secret configured.
	SignatureUnsigned
	// SignatureValid means the body matched the header.
	SignatureValid
	// SignatureInvalid means the header was missing or wrong.
	SignatureInvalid
)

func (s SignatureStatus) String() string {
	switch s {
	case SignatureUnsigned:
		return "unsigned"
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	default:
		return "unchecked"
	}
}

type statusKey struct{}

// StatusFromContext returns the signature status recorded by Signature.
func StatusFromContext(ctx context.Context) SignatureStatus {
	s, _ := ctx.Value(statusKey{}).(SignatureStatus)
	return s
}

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is the signature of body under
// secret. The comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SecretFunc returns the signing secret for a request. An empty secret
// means the request is accepted unsigned.
type SecretFunc func(r *http.Request) string

// Signature returns middleware that verifies SignatureHeader against the
// raw body. The body is buffered and replaced so handlers can read it
// again. Requests that fail the check go to rejected instead of next; the
// outcome is available to both through StatusFromContext.
func Signature(secret SecretFunc, rejected http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
					return
				}
				writeError(w, http.StatusBadRequest, "cannot read body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			status := SignatureUnsigned
			if key := secret(r); key != "" {
				status = SignatureInvalid
				if VerifySignature(key, body, r.Header.Get(SignatureHeader)) {
					status = SignatureValid
				}
			}
			r = r.WithContext(context.WithValue(r.Context(), statusKey{}, status))

			if status == SignatureInvalid {
				rejected.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
