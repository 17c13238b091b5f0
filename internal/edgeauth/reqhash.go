package edgeauth

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"regexp"
)

// Error codes for the request-hash binding middleware, spec.md §6.
const (
	CodeReqHashMismatch         Code = "REQ_HASH_MISMATCH"
	CodeReqHashFormatInvalid    Code = "REQ_HASH_FORMAT"
	CodeReqHashRequiresIdentity Code = "req_hash_requires_identity_encoding"
	CodeBodyTooLarge            Code = "BODY_TOO_LARGE"
)

// MaxBodyBytes is the 1 MiB request-body ceiling, spec.md §4.L.
const MaxBodyBytes = 1 << 20

var reqHashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// RequestHashConfig tunes RequestHashMiddleware.
type RequestHashConfig struct {
	// ReqHash extracts the token's bound req_hash claim for one request.
	// Returning ("", false) skips verification (e.g. GET or non-JSON).
	ReqHash func(r *http.Request) (string, bool)
}

// RequestHashMiddleware enforces spec.md §4.L's request-body hash
// binding for mutating JSON requests: Content-Type must be JSON,
// Content-Encoding must be absent or identity, Content-Length must not
// exceed MaxBodyBytes, the claimed req_hash must match the format
// ^sha256:[0-9a-f]{64}$, and its value must equal the sha-256 of the
// raw body. GET requests and non-JSON bodies skip verification
// entirely.
//
// Grounded on the teacher's handler.go CORS/LoggingMiddleware
// composition: a http.Handler wrapping http.Handler, no framework.
func RequestHashMiddleware(cfg RequestHashConfig, writeErr func(w http.ResponseWriter, status int, code Code, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			mediaType, _, err := mime.ParseMediaType(contentType)
			if err != nil || mediaType != "application/json" {
				// Non-JSON bodies skip hash verification, spec.md §4.L.
				next.ServeHTTP(w, r)
				return
			}

			reqHash, required := cfg.ReqHash(r)
			if !required {
				next.ServeHTTP(w, r)
				return
			}

			enc := r.Header.Get("Content-Encoding")
			if enc != "" && enc != "identity" {
				writeErr(w, http.StatusUnsupportedMediaType, CodeReqHashRequiresIdentity, "Content-Encoding must be identity")
				return
			}

			if r.ContentLength > MaxBodyBytes {
				writeErr(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds 1 MiB")
				return
			}

			if !reqHashPattern.MatchString(reqHash) {
				writeErr(w, http.StatusBadRequest, CodeReqHashFormatInvalid, "req_hash format invalid")
				return
			}

			limited := io.LimitReader(r.Body, MaxBodyBytes+1)
			body, err := io.ReadAll(limited)
			if err != nil {
				writeErr(w, http.StatusBadRequest, CodeReqHashFormatInvalid, "unable to read request body")
				return
			}
			if len(body) > MaxBodyBytes {
				writeErr(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds 1 MiB")
				return
			}

			sum := sha256.Sum256(body)
			computed := "sha256:" + hex.EncodeToString(sum[:])
			if subtle.ConstantTimeCompare([]byte(computed), []byte(reqHash)) != 1 {
				writeErr(w, http.StatusBadRequest, CodeReqHashMismatch, "req_hash_mismatch")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
