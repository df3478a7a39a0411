package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPHandlerSuccess(t *testing.T) {
	t.Parallel()

	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	action := json.RawMessage(fmt.Sprintf(`{"method":"post","url":%q,"body":{"text":"hi"}}`, srv.URL))
	h := NewHTTPHandler(5 * time.Second)

	if err := h.Invoke(context.Background(), "u1", action); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotBody != `{"text":"hi"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestHTTPHandlerDefaultsToGet(t *testing.T) {
	t.Parallel()

	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	action := json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL))
	if err := NewHTTPHandler(0).Invoke(context.Background(), "u1", action); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %q, want GET", gotMethod)
	}
}

func TestHTTPHandlerNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	action := json.RawMessage(fmt.Sprintf(`{"method":"GET","url":%q}`, srv.URL))
	if err := NewHTTPHandler(5 * time.Second).Invoke(context.Background(), "u1", action); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPHandlerTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	action := json.RawMessage(fmt.Sprintf(`{"method":"GET","url":%q}`, srv.URL))
	start := time.Now()
	err := NewHTTPHandler(100 * time.Millisecond).Invoke(context.Background(), "u1", action)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, want ~100ms", elapsed)
	}
}

func TestHTTPHandlerBadAction(t *testing.T) {
	t.Parallel()

	h := NewHTTPHandler(time.Second)

	if err := h.Invoke(context.Background(), "u1", json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON action")
	}
	if err := h.Invoke(context.Background(), "u1", json.RawMessage(`{"method":"GET"}`)); err == nil {
		t.Error("expected error for missing url")
	}
}
