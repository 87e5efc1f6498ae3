// Package persist saves and restores the durable part of the user
// directory: usernames and their subscriber lists. Sessions, history and
// pending notifications live only in memory and are rebuilt through
// replication.
//
// # Backends
//
//	┌──────────────────────────────┐
//	│   server (load at startup,   │
//	│   save on tick and shutdown) │
//	└──────────────────────────────┘
//	               │
//	               ▼
//	┌──────────────────────────────┐
//	│         Store interface      │
//	└──────────────────────────────┘
//	     │          │          │
//	     ▼          ▼          ▼
//	┌────────┐ ┌────────┐ ┌────────┐
//	│  File  │ │  Bolt  │ │ Memory │
//	└────────┘ └────────┘ └────────┘
//
// FileStore writes the line-oriented savefile: a username line followed by
// a line of comma-separated subscribers, repeated per user, and a blank
// line that terminates the list. BoltStore keeps one key per user in a
// "users" bucket with the subscriber list msgpack-encoded. MemoryStore
// keeps a copy in memory and is used by tests and throwaway peers.
//
// Each ring peer owns its own file: Path appends ".<index>" to the
// configured base path so peers sharing a working directory never clobber
// each other.
package persist
