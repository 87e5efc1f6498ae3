// Package wire defines the notification record exchanged between clients,
// front ends and ring peers, and the framing used to put it on a TCP stream.
//
// # Record
//
// Every message in the system is a Notification. Its Type says what the
// record is for (a chat MESSAGE, an INFO reply, an ELECTION token, a
// REPLICATION hop, ...) and its Command says which user mutation it carries
// when one is involved (LOGIN, LOGOUT, FOLLOW, SEND).
//
// The Data field is overloaded depending on Type:
//
//	ELECTION       candidate ring index
//	ELECTED        winner ring index (-1 when the sender knows no primary)
//	REPLICATION    continuation flag (1 = keep forwarding, 0 = stop)
//	FE_CONNECTION  shard index of the front end
//	LOGIN reply    1 when the login was accepted, 0 when it was denied
//
// # Framing
//
// A frame is a 4-byte big-endian length followed by the msgpack encoding
// of the record:
//
//	┌──────────────┬──────────────────────────────┐
//	│ length (u32) │ msgpack(Notification)        │
//	└──────────────┴──────────────────────────────┘
//
// Frames larger than MaxFrameSize are rejected by the reader so a corrupt
// or hostile peer cannot make the process allocate unbounded buffers.
//
// Bounded string fields are clamped by Bound before encoding; the limits
// mirror what the client accepts on input (20 byte handles, 128 byte
// messages).
package wire
