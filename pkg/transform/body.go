// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package transform rewrites Anthropic Messages API payloads before they are
// relayed upstream. All functions operate on raw JSON bytes and return a new
// slice; the input is never modified. Malformed fields degrade to safe
// defaults instead of producing errors.
package transform

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// ServerToolUseType tags content blocks produced by server side tools.
	ServerToolUseType = "server_tool_use"

	// LightweightModelMarker disables every rewrite after input normalisation.
	LightweightModelMarker = "haiku"

	// MCPToolPrefix is the namespace of tools exposed by MCP servers.
	MCPToolPrefix = "mcp__"

	// CodeExecutionToolType is both the injected tool type and the caller tag
	// appended to allowed_callers.
	CodeExecutionToolType = "code_execution_20250825"
	CodeExecutionToolName = "code_execution"

	ToolSearchToolType = "tool_search_tool_bm25_20251119"
	ToolSearchToolName = "tool_search_tool_bm25"

	MCPToolsetType = "mcp_toolset"
)

// Options control which optional rewrites are applied.
type Options struct {
	// InjectBetaTools prepends the tool search tool (and the code execution
	// tool when CodeExecution is set). Disabled for token counting.
	InjectBetaTools bool
	// CodeExecution enables the code execution tool and the allowed_callers
	// annotation on every existing tool.
	CodeExecution bool
}

// Messages rewrites a single Messages API request body.
func Messages(body []byte, opts Options) []byte {
	out := append([]byte(nil), body...)
	if !gjson.ValidBytes(out) || !gjson.ParseBytes(out).IsObject() {
		return out
	}

	out = normalizeServerToolUseInputs(out)

	model := gjson.GetBytes(out, "model")
	if model.Type == gjson.String && strings.Contains(model.Str, LightweightModelMarker) {
		return out
	}

	var tools []string
	if existing := gjson.GetBytes(out, "tools"); existing.IsArray() {
		for _, tool := range existing.Array() {
			tools = append(tools, annotateTool(tool.Raw, opts.CodeExecution))
		}
	}

	if servers := gjson.GetBytes(out, "mcp_servers"); servers.IsArray() {
		for _, server := range servers.Array() {
			name := server.Get("name")
			if name.Type != gjson.String || name.Str == "" {
				continue
			}
			tools = prepend(tools, mcpToolset(name.Str))
		}
	}

	if opts.InjectBetaTools {
		tools = prepend(tools, builtinTool(ToolSearchToolType, ToolSearchToolName))
		if opts.CodeExecution {
			tools = prepend(tools, builtinTool(CodeExecutionToolType, CodeExecutionToolName))
		}
	}

	updated, err := sjson.SetRawBytes(out, "tools", []byte("["+strings.Join(tools, ",")+"]"))
	if err != nil {
		return out
	}
	return updated
}

// Batch applies Messages to the params of every entry in a Message Batches
// request. Entries without an object params are left as they are.
func Batch(body []byte, opts Options) []byte {
	out := append([]byte(nil), body...)
	if !gjson.ValidBytes(out) {
		return out
	}

	requests := gjson.GetBytes(out, "requests")
	if !requests.IsArray() {
		return out
	}

	for i, request := range requests.Array() {
		params := request.Get("params")
		if !params.IsObject() {
			continue
		}
		path := "requests." + strconv.Itoa(i) + ".params"
		updated, err := sjson.SetRawBytes(out, path, Messages([]byte(params.Raw), opts))
		if err != nil {
			continue
		}
		out = updated
	}
	return out
}

// normalizeServerToolUseInputs forces the input of every server_tool_use
// block to a JSON object.
func normalizeServerToolUseInputs(body []byte) []byte {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return body
	}

	for i, message := range messages.Array() {
		content := message.Get("content")
		if !content.IsArray() {
			continue
		}
		for j, block := range content.Array() {
			if block.Get("type").String() != ServerToolUseType || !block.IsObject() {
				continue
			}
			input := block.Get("input")
			fixed, changed := coerceObject(input)
			if !changed {
				continue
			}
			path := "messages." + strconv.Itoa(i) + ".content." + strconv.Itoa(j) + ".input"
			if updated, err := sjson.SetRawBytes(body, path, []byte(fixed)); err == nil {
				body = updated
			}
		}
	}
	return body
}

// coerceObject returns the raw JSON object that should replace v and whether
// a replacement is needed at all.
func coerceObject(v gjson.Result) (string, bool) {
	switch {
	case v.IsObject():
		return "", false
	case v.Type == gjson.String:
		if gjson.Valid(v.Str) {
			if parsed := gjson.Parse(v.Str); parsed.IsObject() {
				return parsed.Raw, true
			}
		}
		return "{}", true
	default:
		return "{}", true
	}
}

// annotateTool marks MCP tools for deferred loading and, when code execution
// is enabled, allows the code execution tool to call them.
func annotateTool(raw string, codeExecution bool) string {
	tool := gjson.Parse(raw)
	if !tool.IsObject() {
		return raw
	}

	if name := tool.Get("name"); name.Type == gjson.String && strings.HasPrefix(name.Str, MCPToolPrefix) {
		if updated, err := sjson.Set(raw, "defer_loading", true); err == nil {
			raw = updated
		}
	}

	if !codeExecution {
		return raw
	}
	if tool.Get("allowed_callers").IsArray() {
		if updated, err := sjson.Set(raw, "allowed_callers.-1", CodeExecutionToolType); err == nil {
			raw = updated
		}
		return raw
	}
	if updated, err := sjson.Set(raw, "allowed_callers", []string{CodeExecutionToolType}); err == nil {
		raw = updated
	}
	return raw
}

func mcpToolset(serverName string) string {
	raw := `{"type":"` + MCPToolsetType + `"}`
	raw, _ = sjson.Set(raw, "mcp_server_name", serverName)
	raw, _ = sjson.SetRaw(raw, "default_config", `{"defer_loading":true}`)
	return raw
}

func builtinTool(toolType, name string) string {
	raw, _ := sjson.Set(`{}`, "type", toolType)
	raw, _ = sjson.Set(raw, "name", name)
	return raw
}

func prepend(tools []string, tool string) []string {
	return append([]string{tool}, tools...)
}
