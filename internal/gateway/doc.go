// Package gateway serves huddle-gateway over HTTP and WebSocket.
//
// # Lifecycle
//
// New opens the configured store and wires the session registry, dedupe
// cache, broadcaster, bot builder and conversation service. Run listens on
// server.http_addr, or on the tailnet when tailscale.enabled is set, and runs
// the session sweep next to the HTTP server in one errgroup. Cancelling the
// context shuts everything down, closing live WebSocket connections too.
//
// # Routes
//
//	GET  /health                              liveness
//	GET  /health/ready                        listener up and store reachable
//	GET  /api/bots                            configured bots
//	POST /api/conversations                   create; returns a participant token
//	POST /api/conversations/{id}/join         join; returns a participant token
//	POST /api/conversations/{id}/leave        (token)
//	POST /api/conversations/{id}/end          (token)
//	POST /api/conversations/{id}/messages     (token) submit a payload
//	GET  /api/conversations/{id}/messages     (token) history, ?since=&limit=
//	GET  /api/conversations/{id}/participants (token)
//	GET  /ws/conversations/{id}               WebSocket
//
// # WebSocket
//
// Humans authenticate with their participant token (Authorization: Bearer,
// or ?token=). External bots present the single-use session from their
// handshake in the X-Huddle-Session header or ?session=. A refused upgrade
// answers with the HTTP status of the failure (401 for bad or spent
// credentials).
//
// Clients send {"message":{...payload...}}. The server sends
// {"message":{...}}, {"state":{"participants":[...]}} and
// {"error":{"code","message"}} frames. The first frame on every connection is
// the participant state. When the subscription ends the server flushes what
// was queued and closes with 1000 (conversation ended), 1008 (participant
// left), 1013 (queue overflow) or 1001 (shutdown).
package gateway
