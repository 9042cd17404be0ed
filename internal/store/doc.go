// Package store provides durable storage for conversations, participants and
// the per-conversation message log.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - MessageStore: the append-only log. Append, the lazy Read iterator,
//     ReadPage and LastSeq.
//   - ConversationStore: conversation and participant records.
//
// Store combines them. Three implementations ship:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite", pure Go)
//     or github.com/mattn/go-sqlite3 ("sqlite3", cgo)
//   - BadgerStore: embedded BadgerDB, records encoded as protobuf Structs
//   - MockStore: in-memory, used by tests and by database.driver=memory
//
// # Sequencing
//
// Callers assign Message.Seq before Append. Every implementation enforces a
// unique (conversation, seq) pair and reports reuse as ErrDuplicateSeq. Read
// yields messages in ascending Seq order and can be resumed by passing the
// last Seq seen as since.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Testing
//
// Use NewMockStore() for unit tests; FailAppends injects storage failures.
// Use NewSQLiteStore(":memory:") or NewBadgerStore("") for integration tests.
package store
