// Package frontend implements the edge process clients connect to.
//
// Each front end owns one shard of the username space: it binds the first
// free address of the configured front-end list and its position in that
// list is its shard index. A client whose username hashes to another shard
// is told where to go and disconnected.
//
// A front end keeps one link to the ring primary:
//
//	clients ──▶ FrontEnd ──(FIFO outbox)──▶ primary
//	        ◀──          ◀──(link reader)──
//
// Requests from every client go into a bounded FIFO drained by a single
// forwarder, so the primary sees them in arrival order. The forwarder
// blocks while no link is up. When the link drops, or the keepalive to the
// primary fails, the front end waits ReconnectDelay, asks the ring for the
// current primary with LEADER_QUESTION, announces itself with
// FE_CONNECTION and replays a LOGIN for each local session so the new
// primary binds them to the new link.
//
// Sessions are identified by a random handle assigned on connect. Clients
// never see it; it lets the primary tell two logins of the same user apart.
package frontend
