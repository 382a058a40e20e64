// Package store persists relay sessions and their message history.
//
// # Backends
//
// Three implementations share identical external behavior:
//
//   - MemoryStore: maps guarded by a RWMutex, lost on restart
//   - SQLiteStore: modernc.org/sqlite with WAL mode, ":memory:" for tests
//   - RESTStore: a PostgREST data API such as Supabase
//
// Open picks one from config.StorageConfig at startup.
//
// # Semantics
//
//   - CreateSession is idempotent; the first write wins
//   - SaveMessage is a no-op for unknown sessions
//   - GetSession returns ErrNotFound for unknown ids
//   - GetMessages returns an empty slice for unknown ids, never an error
//
// Message.Data holds the envelope bytes exactly as the relay received them.
//
// The remote store favors the routing path over strict persistence: read
// failures are logged and degrade to ErrNotFound or an empty history, while
// write failures are returned as errors (*HTTPError for non-2xx answers).
package store
