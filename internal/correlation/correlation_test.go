package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromContextRoundtrip(t *testing.T) {
	ctx := WithID(context.Background(), "corr-1")
	if got := FromContext(ctx); got != "corr-1" {
		t.Fatalf("FromContext = %q, want corr-1", got)
	}
}

func TestGetOrGenerate(t *testing.T) {
	ctx := WithID(context.Background(), "corr-1")
	if got := GetOrGenerate(ctx); got != "corr-1" {
		t.Fatalf("GetOrGenerate = %q, want existing id", got)
	}
	if got := GetOrGenerate(context.Background()); got == "" {
		t.Fatal("GetOrGenerate on empty context returned empty id")
	}
}

func TestMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "corr-abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if seen != "corr-abc" {
		t.Fatalf("handler saw correlation %q, want corr-abc", seen)
	}
	if got := rr.Header().Get(Header); got != "corr-abc" {
		t.Fatalf("response header = %q, want corr-abc", got)
	}
}

func TestMiddlewareGeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("middleware did not generate a correlation id")
	}
	if rr.Header().Get(Header) != seen {
		t.Fatalf("response header %q does not match context id %q", rr.Header().Get(Header), seen)
	}
}
