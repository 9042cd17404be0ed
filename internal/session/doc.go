// Package session issues the short-lived, single-use tokens an external bot
// presents when it connects back to the gateway.
//
// A token is 32 random bytes, base64url encoded, bound to one conversation and
// one bot participant. The registry stores only its BLAKE2b-256 digest.
//
// Lifecycle of an entry:
//
//	pending --Consume--> consumed
//	pending --deadline--> expired
//	any     --Revoke---> gone
//	consumed|expired --Sweep after tombstone period--> gone
//
// Consume reports ErrAlreadyConsumed for a second presentation even after the
// deadline has passed, as long as the tombstone has not been swept.
package session
