// Package ssehttp implements the MCP HTTP+SSE transport of the gateway. It
// mounts as a standard net/http handler and serves two routes:
//
//	GET  {base}/sse                      opens a session stream
//	POST {base}/message?sessionId=<id>   posts one JSON-RPC message
//
// # Stream-open
//
// The agent identifies itself with the x-workspace-id header and presents its
// access key either in x-mcp-key or as an Authorization Bearer token. Failed
// authentication is rejected before any stream bytes are written: 400 when no
// workspace is named, 401 (with a Bearer challenge) for bad credentials and
// 403 when the workspace is unknown or disabled.
//
// On success the response is committed as text/event-stream and the first
// event names the endpoint the agent posts to:
//
//	event: endpoint
//	data: /message?sessionId=6f1c...
//
// Every JSON-RPC frame the gateway writes afterwards is an "event: message".
// Comment lines (": ping") are written on a fixed interval so idle
// intermediaries keep the connection open. The stream ends when the client
// disconnects, the session is closed or the process shuts down.
//
// # Message-post
//
// A post is accepted as soon as it is queued on its session (200). Results are
// never written to the POST response; they arrive on the stream. Rejections
// use a small JSON body:
//
//	{"error":{"code":404,"message":"session not found"}}
//
// Example (mount in net/http):
//
//	h := ssehttp.New(authenticator, manager, ssehttp.WithBasePath("/mcp"))
//	mux := http.NewServeMux()
//	mux.Handle("/mcp/", h)
package ssehttp
