package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"localbroker/internal/pathguard"
)

type failingDoer struct{ calls int32 }

func (f *failingDoer) Do(*http.Request) (*http.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, errors.New("gateway down")
}

func TestFetchCachesAndSkipsNetworkOnHit(t *testing.T) {
	s, root := newTestStore(t)

	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("remote image"))
	}))
	defer upstream.Close()

	f := NewFetcher(s, nil)
	url := upstream.URL + "/asset/pic.png"

	first, err := f.Fetch(context.Background(), url, root, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.SourceURL != url {
		t.Fatalf("source url not recorded: %q", first.SourceURL)
	}

	second, err := f.Fetch(context.Background(), url, root, false)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.LocalPath != first.LocalPath {
		t.Fatal("cache hit must return the same entry")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("cache hit performed a network call; upstream hits = %d", hits)
	}
}

func TestDownloadServedFromCacheAfterFetch(t *testing.T) {
	s, root := newTestStore(t)
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("remote image"))
	}))
	defer upstream.Close()

	f := NewFetcher(s, nil)
	url := upstream.URL + "/asset/pic.png"
	if _, err := f.Fetch(context.Background(), url, root, false); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	data, err := f.Download(context.Background(), url)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "remote image" {
		t.Fatalf("bytes = %q", data)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("cached download hit the network; upstream hits = %d", hits)
	}
}

func TestFetchRedownloadBypassesCache(t *testing.T) {
	s, root := newTestStore(t)
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("remote image"))
	}))
	defer upstream.Close()

	f := NewFetcher(s, nil)
	url := upstream.URL + "/asset/pic.png"
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), url, root, true); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("redownload must hit the network each time, hits = %d", hits)
	}
}

func TestFetchFallsBackToDirectWhenGatewayFails(t *testing.T) {
	s, root := newTestStore(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct bytes"))
	}))
	defer upstream.Close()

	gateway := &failingDoer{}
	f := NewFetcher(s, gateway)

	entry, err := f.Fetch(context.Background(), upstream.URL+"/x.png", root, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if atomic.LoadInt32(&gateway.calls) != 1 {
		t.Fatal("gateway must be tried before the direct client")
	}
	if entry.SizeBytes != int64(len("direct bytes")) {
		t.Fatalf("unexpected size %d", entry.SizeBytes)
	}
}

func TestFetchReportsFailureWhenAllStagesFail(t *testing.T) {
	s, root := newTestStore(t)
	f := NewFetcher(s, &failingDoer{})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/gone.png", root, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestFetchUpstreamErrorStatus(t *testing.T) {
	s, root := newTestStore(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	f := NewFetcher(s, nil)
	if _, err := f.Fetch(context.Background(), upstream.URL+"/missing.png", root, false); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed on 404, got %v", err)
	}
}

func TestFetchOutsideRootsRejected(t *testing.T) {
	s, _ := newTestStore(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	f := NewFetcher(s, nil)
	_, err := f.Fetch(context.Background(), upstream.URL+"/x.png", t.TempDir(), false)
	if !errors.Is(err, pathguard.ErrOutsideAllowedRoots) {
		t.Fatalf("expected ErrOutsideAllowedRoots, got %v", err)
	}
}

func TestFileNameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/a/b/pic.png":     "pic.png",
		"https://cdn.example.com/a/b/pic.png?x=1": "pic.png",
		"https://cdn.example.com/":                "download",
		"://bad":                                  "download",
	}
	for in, want := range cases {
		if got := fileNameFromURL(in); got != want {
			t.Errorf("fileNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
