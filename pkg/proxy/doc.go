// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides an HTTP reverse proxy in front of the Anthropic
// Messages API. Message, token counting and batch requests have their tool
// lists rewritten and are sent with beta=true; every other request is relayed
// untouched apart from the beta header. Responses are streamed back as they
// arrive.
package proxy
