package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/headers"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/ratelimit"
)

// Proxy forwards matched requests to their route's backend. One shared
// transport carries all backends; per-host connection limits bound the pool
// for each of them.
type Proxy struct {
	transport http.RoundTripper
	timeout   time.Duration
}

// New creates the upstream proxy.
func New(cfg config.UpstreamConfig) *Proxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Proxy{transport: transport, timeout: timeout}
}

// ServeHTTP forwards the request to the exchange's matched route. The route
// matcher runs earlier in the pipeline; reaching here without a route is a
// gateway bug surfaced as a 500.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := exchange.FromRequest(r)
	if ex == nil || ex.Route == nil {
		gwerrors.ErrInternal.WriteJSON(w, r)
		return
	}

	target := ex.Route.Backend()
	if target == nil {
		var err error
		target, err = url.Parse(ex.Route.BackendURL)
		if err != nil {
			gwerrors.ErrBadGateway.Wrap(err).WriteJSON(w, r)
			return
		}
	}

	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.transport.RoundTrip(p.buildRequest(ctx, r, target))
	if err != nil {
		p.writeError(w, r, ex, err)
		return
	}
	defer resp.Body.Close()

	ex.UpstreamStatus = resp.StatusCode

	copyResponseHeaders(w.Header(), resp.Header)
	// Upstream values must not displace the gateway's hardening set.
	headers.ApplySecurity(w.Header())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("copying upstream body interrupted",
			zap.String("route", ex.Route.ID), zap.Error(err))
	}
}

// buildRequest clones the client request for the upstream hop: target URL
// from the backend plus the request path, forwarding headers set, hop-by-hop
// headers dropped.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	if clientIP := ratelimit.ClientIP(r); clientIP != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)
	return proxyReq
}

// writeError maps transport failures onto the gateway error surface. A client
// disconnect produces no response at all.
func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, ex *exchange.Exchange, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	logging.Warn("upstream request failed",
		zap.String("route", ex.Route.ID),
		zap.String("backend", ex.Route.BackendURL),
		zap.Error(err))

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		ex.UpstreamStatus = http.StatusGatewayTimeout
		gwerrors.ErrGatewayTimeout.Wrap(err).WriteJSON(w, r)
		return
	}
	ex.UpstreamStatus = http.StatusBadGateway
	gwerrors.ErrBadGateway.Wrap(err).WriteJSON(w, r)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// copyResponseHeaders copies upstream headers onto the client response,
// dropping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers per RFC 7230, never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// CloseIdleConnections releases pooled upstream connections, used during
// shutdown.
func (p *Proxy) CloseIdleConnections() {
	if t, ok := p.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
