// Package dedupe remembers recently sequenced messages by client local id so a
// retried submit returns the original message instead of a second copy.
package dedupe
