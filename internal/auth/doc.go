// Package auth authenticates human participants.
//
// Joining or creating a conversation mints a participant token: an HS256
// JWT whose subject is the participant id and whose "conv" claim names the
// conversation. The token is presented as "Authorization: Bearer <jwt>" or,
// for browser WebSockets, as ?token=.
//
// HTTPAuthMiddleware verifies the token, checks it against the route's {id}
// path value, and stores an AuthContext in the request context. Handlers
// read it back with FromContext.
//
// Bots never carry JWTs; they authenticate with single-use session tokens
// from the session package.
package auth
