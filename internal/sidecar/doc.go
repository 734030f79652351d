// Package sidecar is a local agent backend speaking the worker protocol
// the tab client expects.
//
// Requests carry the tab id in the X-Tab-ID header. Each tab has its own
// event stream with its own sequence numbers; the stream is bound to a
// worker that hosts one session and runs its turns. Several tabs may be
// bound to the same worker: loading a session that is already live in a
// worker attaches the tab to it instead of starting another one, which
// is how a running cron session changes hands.
//
// Endpoints:
//
//	POST /chat/send-message       start a turn
//	POST /chat/stop-response      interrupt the running turn
//	POST /chat/load-session       switch the tab to a stored or live session
//	POST /chat/reset-session      start a fresh session
//	POST /chat/respond-permission answer a tool permission prompt
//	POST /chat/respond-question   answer a question prompt
//	GET  /chat/events             SSE event stream (id: = seq)
//	GET  /chat/ws                 WebSocket event stream
//	GET  /chat/state              the tab's worker state, for debugging
//	GET  /health
package sidecar
