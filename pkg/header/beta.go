// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package header prepares inbound request headers for the upstream call.
package header

import (
	"net/http"
	"strings"
)

const (
	// BetaHeader carries the comma separated beta feature flags.
	BetaHeader = "anthropic-beta"

	// DefaultBetaFlags enables advanced tool use and the MCP connector.
	DefaultBetaFlags = "advanced-tool-use-2025-11-20,mcp-client-2025-11-20"
)

// connection specific headers that are never forwarded.
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

// Injector merges the configured beta flags into outbound headers.
type Injector struct {
	Flags string
}

// NewInjector returns an Injector for flags, falling back to DefaultBetaFlags.
func NewInjector(flags string) *Injector {
	flags = strings.TrimSpace(flags)
	if flags == "" {
		flags = DefaultBetaFlags
	}
	return &Injector{Flags: flags}
}

// Apply returns a copy of src ready to be sent upstream. src is not modified.
//
// The flags are appended unless the existing value already contains them as
// a substring. This is a plain substring test, so an existing value holding
// the flags in a different order gets them appended again.
func (i *Injector) Apply(src http.Header) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}

	existing := strings.Join(h.Values(BetaHeader), ",")
	if !strings.Contains(existing, i.Flags) {
		if existing != "" {
			h.Set(BetaHeader, existing+","+i.Flags)
		} else {
			h.Set(BetaHeader, i.Flags)
		}
	}

	h.Del("Host")
	h.Del("Content-Length")
	// The transport negotiates compression itself and decodes the response,
	// which keeps the relayed body consistent with the dropped Content-Encoding.
	h.Del("Accept-Encoding")
	StripHopHeaders(h)

	return h
}

// StripHopHeaders removes hop-by-hop headers, including any named by
// Connection.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
