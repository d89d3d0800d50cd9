package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPStorePutReturnsConstructedURL(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := NewHTTPStore(srv.URL, "results", nil)
	url, err := st.Put(context.Background(), "foo.png", strings.NewReader("bytes"), "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotPath != "/results/foo.png" {
		t.Fatalf("expected /results/foo.png, got %s", gotPath)
	}
	if gotContentType != "image/png" {
		t.Fatalf("expected image/png content type, got %s", gotContentType)
	}
	if url != srv.URL+"/results/foo.png" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestHTTPStorePutErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := NewHTTPStore(srv.URL, "results", nil)
	if _, err := st.Put(context.Background(), "foo.png", strings.NewReader("bytes"), "image/png"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
