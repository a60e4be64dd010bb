// Package mcp contains the Model Context Protocol data types the gateway
// speaks on the wire: the initialize handshake, the tools surface and the
// content blocks carried in tool results.
//
// The package is free of transport logic. The SSE transport and the protocol
// engine marshal these types; tool handlers construct results with them.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Versions
//
// SupportedProtocolVersions lists the protocol dates the gateway negotiates.
// NegotiateProtocolVersion echoes a supported client request and otherwise
// answers with LatestProtocolVersion.
package mcp
