// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/unsafe9/claude-code-advanced-tool-use/pkg/transform"
)

const (
	MessagesPath    = "/v1/messages"
	CountTokensPath = "/v1/messages/count_tokens"
	BatchesPath     = "/v1/messages/batches"
)

var errInvalidJSON = errors.New("request body is not valid JSON")

// route describes how a request is rewritten before it is relayed. The zero
// value is the passthrough route.
type route struct {
	name string
	// path replaces the inbound path upstream; empty keeps the inbound one.
	path      string
	forceBeta bool
	rewrite   func([]byte, transform.Options) []byte
	opts      transform.Options
}

var passthrough = route{name: "passthrough"}

func newRoutes(codeExecution bool) map[string]route {
	return map[string]route{
		MessagesPath: {
			name:      "messages",
			path:      MessagesPath,
			forceBeta: true,
			rewrite:   transform.Messages,
			opts:      transform.Options{InjectBetaTools: true, CodeExecution: codeExecution},
		},
		CountTokensPath: {
			name:      "count_tokens",
			path:      CountTokensPath,
			forceBeta: true,
			rewrite:   transform.Messages,
			opts:      transform.Options{InjectBetaTools: false, CodeExecution: codeExecution},
		},
		BatchesPath: {
			name:      "batches",
			path:      BatchesPath,
			forceBeta: true,
			rewrite:   transform.Batch,
			opts:      transform.Options{InjectBetaTools: true, CodeExecution: codeExecution},
		},
	}
}

// match selects the route for r. Only POST requests are rewritten; a single
// trailing slash on the path is ignored.
func (p *Proxy) match(r *http.Request) route {
	if r.Method != http.MethodPost {
		return passthrough
	}
	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if rt, ok := p.routes[path]; ok {
		return rt
	}
	return passthrough
}

// apply runs the route rewrite on a JSON body. An empty body is treated as an
// empty object.
func (rt route) apply(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte(`{}`)
	}
	if !gjson.ValidBytes(body) {
		return nil, &httpError{Status: http.StatusBadRequest, Err: errInvalidJSON}
	}
	return rt.rewrite(body, rt.opts), nil
}
