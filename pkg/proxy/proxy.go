// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unsafe9/claude-code-advanced-tool-use/pkg/config"
	"github.com/unsafe9/claude-code-advanced-tool-use/pkg/header"
)

const (
	// HeaderRequestID is read from the caller for log correlation.
	HeaderRequestID = "X-Request-Id"

	streamBufferSize = 32 * 1024
)

// response headers that the relay's own transport recomputes.
var droppedResponseHeaders = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Content-Length",
}

// Proxy forwards Anthropic API requests to the configured upstream after
// rewriting bodies and headers for the matching route.
type Proxy struct {
	// cfg keeps runtime knobs such as the upstream URL and body limit.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// headers merges the beta flags and strips connection headers.
	headers *header.Injector
	// routes maps rewritten paths to their handling rules.
	routes map[string]route
	logger zerolog.Logger
	// baseURL is the parsed upstream URL; its path prefixes every inbound path.
	baseURL *url.URL
}

// New constructs a Proxy backed by an http.Client configured with sensible
// connection pooling defaults and the provided runtime configuration.
func New(cfg config.Config) (http.Handler, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("upstream url is required")
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
		// Redirects are relayed to the caller, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	handler := &Proxy{
		cfg:     cfg,
		client:  client,
		headers: header.NewInjector(cfg.BetaFlags),
		routes:  newRoutes(cfg.CodeExecution),
		logger:  log.With().Str("component", "proxy").Logger(),
		baseURL: cloneURL(cfg.Upstream),
	}

	return handler, nil
}

// ServeHTTP rewrites the request for its route and streams the upstream
// response back to the caller.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rt := p.match(r)
	event := p.logger.With().
		Str("request_id", requestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", rt.name).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	body, err := p.readBody(w, r, rt)
	if err != nil {
		status := http.StatusBadRequest
		var httpErr *httpError
		if errors.As(err, &httpErr) {
			status = httpErr.Status
		}
		writeError(w, status, err.Error())
		event.Warn().
			Err(err).
			Int("status", status).
			Msg("rejected request body")
		return
	}

	resp, err := p.forwardRequest(r, rt, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		event.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("request failed")
		return
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Debug().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		event.Warn().
			Int("status", resp.StatusCode).
			Msg("upstream returned error")
	}

	written, streamErr := streamBody(w, resp.Body)
	if streamErr != nil {
		event.Error().
			Err(streamErr).
			Int64("bytes", written).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		return
	}

	event.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// readBody reads the size capped request body and applies the route rewrite.
// A nil slice means the upstream request carries no body.
func (p *Proxy) readBody(w http.ResponseWriter, r *http.Request, rt route) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		if rt.rewrite == nil {
			return nil, nil
		}
		return rt.apply(nil)
	}

	reader := http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes)
	defer func() {
		if err := reader.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("close request body failed")
		}
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &httpError{Status: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, &httpError{Status: http.StatusBadRequest, Err: fmt.Errorf("read request body: %w", err)}
	}

	if rt.rewrite == nil {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || len(data) == 0 {
			return nil, nil
		}
		return data, nil
	}
	return rt.apply(data)
}

// forwardRequest builds the upstream request with rewritten headers and
// returns the response for the caller to stream back.
func (p *Proxy) forwardRequest(r *http.Request, rt route, body []byte) (*http.Response, error) {
	targetURL := p.targetURL(r.URL, rt)

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	upstreamReq.Header = p.headers.Apply(r.Header)
	upstreamReq.Host = targetURL.Host

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("perform upstream request: %w", err)
	}

	return resp, nil
}

// targetURL appends the inbound path to the upstream URL, keeping any path
// prefix the upstream carries. Dot segments are relayed untouched.
func (p *Proxy) targetURL(requestURL *url.URL, rt route) *url.URL {
	path, escapedPath := requestURL.Path, requestURL.EscapedPath()
	if rt.path != "" {
		path, escapedPath = rt.path, rt.path
	}

	target := cloneURL(p.baseURL)
	target.Path = strings.TrimSuffix(p.baseURL.Path, "/") + path
	target.RawPath = strings.TrimSuffix(p.baseURL.EscapedPath(), "/") + escapedPath
	target.RawQuery = requestURL.RawQuery
	if rt.forceBeta {
		target.RawQuery = forceBetaQuery(requestURL.RawQuery)
	}
	target.Fragment, target.RawFragment = "", ""
	return target
}

// forceBetaQuery sets beta=true on a raw query string without reordering the
// caller's parameters. An existing beta key is replaced in place and any
// repeats are dropped; otherwise beta=true is appended.
func forceBetaQuery(rawQuery string) string {
	const betaParam = "beta=true"

	pairs := make([]string, 0, strings.Count(rawQuery, "&")+2)
	seen := false
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if key != "beta" {
			pairs = append(pairs, pair)
			continue
		}
		if !seen {
			pairs = append(pairs, betaParam)
			seen = true
		}
	}
	if !seen {
		pairs = append(pairs, betaParam)
	}
	return strings.Join(pairs, "&")
}

// streamBody copies the upstream body to the caller, flushing after every
// chunk so server-sent events reach the client as they are produced.
func streamBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return io.Copy(w, body)
	}

	var written int64
	buf := make([]byte, streamBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, fmt.Errorf("write to client: %w", writeErr)
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read upstream body: %w", err)
		}
	}
}

// writeError writes the JSON error payload used for locally generated failures.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// requestID returns the caller supplied request ID or a fresh one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// cloneURL makes a shallow copy of the provided URL pointer.
func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

// copyResponseHeaders mirrors upstream headers to the writer, skipping framing
// and hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	filtered := src.Clone()
	for _, k := range droppedResponseHeaders {
		filtered.Del(k)
	}
	header.StripHopHeaders(filtered)
	for k, vv := range filtered {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// httpError wraps a status code with the error that caused a local rejection.
type httpError struct {
	Status int   // Status preserves the HTTP status to emit downstream.
	Err    error // Err retains the original cause for logging.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}
