// Package transport is the connection factory shared by ring peers, front
// ends and clients.
//
// Listeners are created with SO_REUSEADDR so a restarted peer can rebind its
// ring endpoint while old connections sit in TIME_WAIT. ListenFirst performs
// the bind probe used for ring position discovery: it walks an ordered list
// of addresses and keeps the first one that binds.
//
// Conn wraps a net.Conn with the wire framing. Sends are serialized with a
// mutex so the keepalive responder, the router and the reply paths can share
// one socket; receives are expected from a single reader goroutine.
package transport
