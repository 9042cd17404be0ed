// Package conversation is the dispatcher at the center of the gateway.
//
// # Service
//
// Service owns the live state of every conversation it has touched:
// participants, the bot adapters serving bot participants, and the sequence
// counter. State is loaded lazily from the store on first access and kept in
// a sync.Map, so unrelated conversations never share a lock.
//
//	svc := conversation.New(st, conversation.Config{Bots: cfg.Bots, Builder: builder})
//
// Key operations:
//
//   - Create, Join, Leave, End: membership changes, each recorded as a
//     system message with its own sequence number
//   - Submit: validate, sequence, persist, broadcast, then notify bots
//   - History, Participants: read path
//   - Subscribe, AttachBot, DetachBot: transport hooks
//
// # Ordering
//
// Within one conversation a mutex covers sequence assignment, the store
// append and the broadcast. The counter advances only after the append
// succeeds, so sequences are gap-free and every subscriber observes the
// persisted order. Bot notifications are queued under the same mutex and
// drained outside it by one goroutine at a time, so bots also see sequence
// order and each adapter gets its own copy. A bot that replies re-enters
// Submit like any other participant; its reply joins the queue.
//
// Ended conversations are dropped from memory and served from the store.
//
// # Broadcasting
//
// Broadcaster keeps one group per conversation with a bounded queue per
// subscriber. Publishing never blocks: a full queue either drops its oldest
// frame or ends the subscription with ErrOverflow, depending on the
// configured OverflowPolicy.
//
// # Errors
//
//   - ErrNotFound: unknown conversation
//   - ErrForbidden: sender is not an active participant
//   - ErrInvalid: payload or request failed validation
//   - ErrEnded: conversation is closed
//   - ErrUnavailable: the store failed; nothing was sequenced
//   - ErrOverflow: subscriber fell too far behind
package conversation
