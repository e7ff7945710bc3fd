// Package domain maps MCP tool calls onto debugger operations.
//
// Handlers take a debugger.Operator so the same bindings serve a remote
// debugger through its client and an in-process debugger in tests. Outputs are
// plain views whose message bodies are decoded JSON, so MCP clients can render
// them without a second decode.
package domain
