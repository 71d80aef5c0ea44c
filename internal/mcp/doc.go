// Package mcp exposes triage operations to MCP clients.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and
// registers tools that run the full pipeline, replay the gate over
// supplied stage outputs, report the reliability profile and summarize
// the audit log. A tool_search tool lets clients discover the rest.
package mcp
