// Package server assembles a ring peer: it binds the peer's ring slot,
// restores the saved directory, joins the ring and dispatches every
// inbound connection by the type of its first record.
//
//	               ┌──────────────────────────────┐
//	 inbound conn  │            Server            │
//	 ─────────────▶│  first record type           │
//	               │   LEADER_QUESTION → ring     │
//	               │   ELECTION/ELECTED → ring    │
//	               │   KEEPALIVE → ring           │
//	               │   REPLICATION → replication  │
//	               │   FE_CONNECTION → chat       │
//	               └──────────────────────────────┘
//
// A Server owns all of its components; nothing is kept in package state,
// so several peers can run in one process (the integration tests do).
package server
