package edgeauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func hashOf(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func newTestMiddleware(reqHash string, ok bool) func(http.Handler) http.Handler {
	return RequestHashMiddleware(RequestHashConfig{
		ReqHash: func(r *http.Request) (string, bool) { return reqHash, ok },
	}, func(w http.ResponseWriter, status int, code Code, msg string) {
		w.WriteHeader(status)
		w.Write([]byte(string(code)))
	})
}

// Scenario G (spec.md §8): matching req_hash admits the request.
func TestRequestHashMiddleware_MatchingHash_Admits(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	mw := newTestMiddleware(hashOf(body), true)

	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called || rec.Code != 200 {
		t.Fatalf("want admitted, got called=%v code=%d", called, rec.Code)
	}
}

func TestRequestHashMiddleware_PrettyPrintedBody_Mismatch(t *testing.T) {
	canonical := []byte(`{"text":"hello"}`)
	pretty := []byte("{\n  \"text\": \"hello\"\n}")
	mw := newTestMiddleware(hashOf(canonical), true)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on mismatch")
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(pretty))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest || rec.Body.String() != string(CodeReqHashMismatch) {
		t.Fatalf("want 400 req_hash_mismatch, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestHashMiddleware_GzipEncoding_415(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	mw := newTestMiddleware(hashOf(body), true)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("want 415, got %d", rec.Code)
	}
}

func TestRequestHashMiddleware_BodyTooLarge_413(t *testing.T) {
	body := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	mw := newTestMiddleware(hashOf(body), true)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}

func TestRequestHashMiddleware_BadFormat_400(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	mw := newTestMiddleware("not-a-valid-hash", true)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest || rec.Body.String() != string(CodeReqHashFormatInvalid) {
		t.Fatalf("want 400 format invalid, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestHashMiddleware_GET_SkipsVerification(t *testing.T) {
	mw := newTestMiddleware("garbage", true)
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("GET must skip verification")
	}
}

func TestRequestHashMiddleware_NonJSON_SkipsVerification(t *testing.T) {
	mw := newTestMiddleware("garbage", true)
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte("plain text")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("non-JSON body must skip verification")
	}
}
