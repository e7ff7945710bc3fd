// Package service runs the debugger MCP server over stdio or streamable HTTP.
//
// It owns transport and the debugger connection; tool semantics live in the
// domain package.
package service
