package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testGateway(hosts []string, timeoutSeconds int) *Gateway {
	return New(hosts, timeoutSeconds, zerolog.Nop())
}

func TestForwardRelaysRequestAndResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization header not forwarded")
		}
		if r.Header.Get("X-Proxy-Target") != "" {
			t.Errorf("proxy addressing header leaked upstream")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "echo:%s", body)
	}))
	defer upstream.Close()

	host := mustHostname(t, upstream.URL)
	g := testGateway([]string{host + ":" + mustPort(t, upstream.URL)}, 5)

	req := httptest.NewRequest(http.MethodPost, "/proxy?url="+url.QueryEscape(upstream.URL+"/v1/task"), strings.NewReader("payload"))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()

	if err := g.Forward(w, req); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Fatal("upstream header missing")
	}
	if w.Body.String() != "echo:payload" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestForwardTargetFromHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	g := testGateway([]string{"*"}, 5)
	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	req.Header.Set(TargetHeader, upstream.URL)
	w := httptest.NewRecorder()
	if err := g.Forward(w, req); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestForwardDeniedHostMakesNoConnection(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer upstream.Close()

	g := testGateway([]string{"api.example.com"}, 5)
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL), nil)
	w := httptest.NewRecorder()

	err := g.Forward(w, req)
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("expected ErrHostNotAllowed, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("denied target must not be contacted")
	}
}

func TestForwardDisabledWhenNoHosts(t *testing.T) {
	g := testGateway(nil, 5)
	req := httptest.NewRequest(http.MethodGet, "/proxy?url=https%3A%2F%2Fapi.example.com%2Fx", nil)
	if err := g.Forward(httptest.NewRecorder(), req); !errors.Is(err, ErrProxyDisabled) {
		t.Fatalf("expected ErrProxyDisabled, got %v", err)
	}
}

func TestForwardMissingTarget(t *testing.T) {
	g := testGateway([]string{"*"}, 5)
	req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
	if err := g.Forward(httptest.NewRecorder(), req); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	g := testGateway([]string{"*"}, 1)
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL), nil)

	start := time.Now()
	err := g.Forward(httptest.NewRecorder(), req)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout took far longer than configured")
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	g := testGateway([]string{"*"}, 2)
	// Port 1 on loopback is closed on any sane host.
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape("http://127.0.0.1:1/x"), nil)
	err := g.Forward(httptest.NewRecorder(), req)
	if !errors.Is(err, ErrUpstreamUnreached) && !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestDoAppliesAllowList(t *testing.T) {
	g := testGateway([]string{"api.example.com"}, 1)
	req, _ := http.NewRequest(http.MethodGet, "https://evil.example.net/x", nil)
	if _, err := g.Do(req); !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("expected ErrHostNotAllowed, got %v", err)
	}
}

func mustHostname(t *testing.T, rawurl string) string {
	t.Helper()
	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname()
}

func mustPort(t *testing.T, rawurl string) string {
	t.Helper()
	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatal(err)
	}
	return u.Port()
}
