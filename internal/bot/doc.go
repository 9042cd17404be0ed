// Package bot connects conversations to bots.
//
// An Adapter is selected per bot participant from the bot's configured Spec:
//
//   - InternalAdapter builds a fresh Handler from a registered Factory for
//     every message and calls it on the submitting goroutine. Factory errors,
//     handler errors and panics are logged and never reach the submitter.
//   - ExternalAdapter invites an out-of-process bot to connect by POSTing a
//     single-use session token to its endpoint. Once the bot redeems the token
//     over the WebSocket endpoint it receives messages as an ordinary
//     broadcast subscriber.
//
// Bots reply through Info.Send, which the conversation service binds to its
// own Submit with the bot participant as sender.
package bot
