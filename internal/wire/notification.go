package wire

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Field limits for the bounded strings of a Notification.
const (
	MaxUsernameLength = 20
	MaxMessageSize    = 128
)

// NoIndex marks a record that was not sent by a ring peer, or an ELECTED
// reply from a peer that does not know the primary.
const NoIndex = -1

// Type tells the receiver how to handle a notification.
type Type uint8

const (
	TypeMessage Type = iota
	TypeInfo
	TypeLogin
	TypeLogout
	TypeElection
	TypeElected
	TypeLeaderQuestion
	TypeKeepalive
	TypeReplication
	TypeFEConnection
	TypeWipe
)

var typeNames = [...]string{
	TypeMessage:        "MESSAGE",
	TypeInfo:           "INFO",
	TypeLogin:          "LOGIN",
	TypeLogout:         "LOGOUT",
	TypeElection:       "ELECTION",
	TypeElected:        "ELECTED",
	TypeLeaderQuestion: "LEADER_QUESTION",
	TypeKeepalive:      "KEEPALIVE",
	TypeReplication:    "REPLICATION",
	TypeFEConnection:   "FE_CONNECTION",
	TypeWipe:           "WIPE",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Command is the user mutation a notification carries.
type Command uint8

const (
	CommandUnknown Command = iota
	CommandLogin
	CommandLogout
	CommandFollow
	CommandSend
)

var commandNames = [...]string{
	CommandUnknown: "UNKNOWN",
	CommandLogin:   "LOGIN",
	CommandLogout:  "LOGOUT",
	CommandFollow:  "FOLLOW",
	CommandSend:    "SEND",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Replicable reports whether the command mutates directory state and must
// be propagated around the ring.
func (c Command) Replicable() bool {
	switch c {
	case CommandLogin, CommandLogout, CommandFollow, CommandSend:
		return true
	}
	return false
}

// Notification is the single record type exchanged on every connection.
// Field tags are kept short since every hop re-encodes the record.
type Notification struct {
	Author    string  `msgpack:"a"`
	Receiver  string  `msgpack:"r"`
	Target    string  `msgpack:"g"`
	Message   string  `msgpack:"m"`
	ID        uint64  `msgpack:"i"`
	Timestamp int64   `msgpack:"ts"`
	Data      int32   `msgpack:"d"`
	Sender    int32   `msgpack:"s"`
	Type      Type    `msgpack:"t"`
	Command   Command `msgpack:"c"`
}

// Time returns the notification timestamp as a time.Time.
func (n Notification) Time() time.Time {
	return time.Unix(n.Timestamp, 0)
}

func (n Notification) String() string {
	return fmt.Sprintf("%s/%s id=%d author=%q receiver=%q target=%q data=%d sender=%d",
		n.Type, n.Command, n.ID, n.Author, n.Receiver, n.Target, n.Data, n.Sender)
}

// Bound clamps every bounded string field to its wire limit.
func (n *Notification) Bound() {
	n.Author = clamp(n.Author, MaxUsernameLength)
	n.Receiver = clamp(n.Receiver, MaxUsernameLength)
	n.Target = clamp(n.Target, MaxUsernameLength)
	n.Message = clamp(n.Message, MaxMessageSize)
}

// clamp cuts s to at most max bytes without splitting a UTF-8 sequence.
func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Info builds an INFO notification addressed to receiver.
func Info(receiver, text string) Notification {
	return Notification{
		Type:      TypeInfo,
		Receiver:  receiver,
		Message:   text,
		Timestamp: time.Now().Unix(),
		Sender:    NoIndex,
	}
}

// Control builds a ring control record (ELECTION, ELECTED, KEEPALIVE,
// LEADER_QUESTION) sent by the peer at index sender.
func Control(t Type, data, sender int) Notification {
	return Notification{
		Type:      t,
		Data:      int32(data),
		Sender:    int32(sender),
		Timestamp: time.Now().Unix(),
	}
}
