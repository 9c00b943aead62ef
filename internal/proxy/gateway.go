// Package proxy relays browser requests to allow-listed third-party hosts so
// frontend code can reach generation APIs without tripping same-origin rules.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrMissingTarget     = errors.New("missing_proxy_target")
	ErrBadTarget         = errors.New("bad_proxy_target")
	ErrHostNotAllowed    = errors.New("host_not_allowed")
	ErrProxyDisabled     = errors.New("proxy_disabled")
	ErrUpstreamTimeout   = errors.New("upstream_timeout")
	ErrUpstreamUnreached = errors.New("upstream_unreachable")
)

// TargetHeader carries the destination URL as an alternative to the `url`
// query parameter, for targets too long to percent-encode comfortably.
const TargetHeader = "X-Proxy-Target"

// Headers that must not cross the hop in either direction. Mirrors what a
// well-behaved relay strips: framing, connection management and the proxy's
// own addressing headers.
var skipRequestHeaders = map[string]struct{}{
	"host": {}, "content-length": {}, "connection": {}, "proxy-connection": {},
	"keep-alive": {}, "transfer-encoding": {}, "te": {}, "trailer": {},
	"upgrade": {}, "proxy-authorization": {}, "proxy-authenticate": {},
	"x-proxy-target": {}, "x-proxy-method": {}, "origin": {}, "referer": {},
}

var skipResponseHeaders = map[string]struct{}{
	"connection": {}, "proxy-connection": {}, "keep-alive": {},
	"transfer-encoding": {}, "te": {}, "trailer": {}, "upgrade": {},
	"proxy-authenticate": {}, "proxy-authorization": {},
	// The broker answers CORS itself; upstream grants must not leak through.
	"access-control-allow-origin": {}, "access-control-allow-methods": {},
	"access-control-allow-headers": {}, "access-control-expose-headers": {},
}

type Gateway struct {
	allow   *AllowList
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

// New builds a gateway from the configured allow-list and timeout in seconds
// (0 = unlimited).
func New(allowedHosts []string, timeoutSeconds int, logger zerolog.Logger) *Gateway {
	return &Gateway{
		allow:   NewAllowList(allowedHosts),
		timeout: time.Duration(timeoutSeconds) * time.Second,
		client: &http.Client{
			// Redirect targets could escape the allow-list; surface them to
			// the caller instead of following.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Enabled reports whether any host may be proxied at all.
func (g *Gateway) Enabled() bool {
	return !g.allow.Empty()
}

func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// Allows reports whether target passes the host allow-list.
func (g *Gateway) Allows(target string) bool {
	return g.allow.AllowsURL(target)
}

// ResolveTarget extracts the destination URL from the request: the
// X-Proxy-Target header wins, then `url`/`target` query parameters.
func ResolveTarget(r *http.Request) (string, error) {
	target := strings.TrimSpace(r.Header.Get(TargetHeader))
	if target == "" {
		q := r.URL.Query()
		target = q.Get("url")
		if target == "" {
			target = q.Get("target")
		}
	}
	if target == "" {
		return "", ErrMissingTarget
	}
	if decoded, err := url.QueryUnescape(target); err == nil && strings.Contains(decoded, "://") {
		target = decoded
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", ErrBadTarget
	}
	return target, nil
}

// Do performs an outbound request on behalf of another subsystem, applying
// the same allow-list and timeout as browser-initiated proxying. The caller
// owns the response body.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	if g.allow.Empty() {
		return nil, ErrProxyDisabled
	}
	if !g.allow.AllowsURL(req.URL.String()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, req.URL.Hostname())
	}
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	resp, err := g.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

// Forward relays the inbound request to its resolved target and streams the
// response back, flushing per chunk so event streams stay incremental. A
// non-nil return means nothing has been written yet and the caller may still
// produce an error response.
func (g *Gateway) Forward(w http.ResponseWriter, r *http.Request) error {
	if g.allow.Empty() {
		return ErrProxyDisabled
	}
	target, err := ResolveTarget(r)
	if err != nil {
		return err
	}
	if !g.allow.AllowsURL(target) {
		u, _ := url.Parse(target)
		host := ""
		if u != nil {
			host = u.Hostname()
		}
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target, requestBody(r))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	out.ContentLength = r.ContentLength
	copyRequestHeaders(out.Header, r.Header)

	resp, err := g.client.Do(out)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if _, skip := skipResponseHeaders[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return nil
	}
	if err := flushCopy(w, resp.Body); err != nil {
		// Mid-stream failure: headers are gone, the truncated body is the
		// only signal the caller gets.
		g.logger.Debug().Err(err).Str("target", target).Msg("proxy stream aborted")
	}
	return nil
}

func requestBody(r *http.Request) io.Reader {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return r.Body
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skipRequestHeaders[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func flushCopy(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreached, err)
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
