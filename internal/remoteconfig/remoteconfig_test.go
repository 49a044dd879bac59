package remoteconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const bucketYAML = `
ip:
  size: 10
  per_interval: 10
  interval: 1000
`

func TestFetchParsesAndCachesETag(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(bucketYAML))
	}))
	defer srv.Close()

	f := New(srv.URL, nil)
	ctx := context.Background()

	types, changed, err := f.Fetch(ctx)
	if err != nil || !changed {
		t.Fatalf("first fetch: changed=%v err=%v", changed, err)
	}
	if types["ip"] == nil || types["ip"].Size != 10 {
		t.Fatalf("unexpected types: %+v", types)
	}

	_, changed, err = f.Fetch(ctx)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if changed {
		t.Fatalf("unchanged content must report changed=false")
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", hits.Load())
	}
}

func TestFetchRejectsInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ip:\n  size: 0\n  per_interval: 1\n  interval: 1000\n"))
	}))
	defer srv.Close()

	if _, _, err := New(srv.URL, nil).Fetch(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFetchSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, _, err := New(srv.URL, nil).Fetch(context.Background()); err == nil {
		t.Fatalf("expected status error")
	}
}
