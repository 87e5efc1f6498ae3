// Package exitcode lists the process exit statuses of the chatring
// binaries. Each fatal cause has its own code so scripts can tell them
// apart.
package exitcode

import "fmt"

// Code is a process exit status.
type Code int

const (
	OK Code = iota
	ErrOpenSocket
	ErrConfigurationSocket
	ErrBindingSocket
	ErrAcceptingConnection
	ErrListen
	ErrAccept
	ErrLookingForLeader
	ErrSendingElected
	ErrReplicating
	NotEnoughArguments
	IncorrectHandle
	IncorrectHost
	ErrStartingConnection
	ErrLogin
	ErrConfig
	ErrPersistence
)

var names = [...]string{
	OK:                     "OK",
	ErrOpenSocket:          "ErrOpenSocket",
	ErrConfigurationSocket: "ErrConfigurationSocket",
	ErrBindingSocket:       "ErrBindingSocket",
	ErrAcceptingConnection: "ErrAcceptingConnection",
	ErrListen:              "ErrListen",
	ErrAccept:              "ErrAccept",
	ErrLookingForLeader:    "ErrLookingForLeader",
	ErrSendingElected:      "ErrSendingElected",
	ErrReplicating:         "ErrReplicating",
	NotEnoughArguments:     "NotEnoughArguments",
	IncorrectHandle:        "IncorrectHandle",
	IncorrectHost:          "IncorrectHost",
	ErrStartingConnection:  "ErrStartingConnection",
	ErrLogin:               "ErrLogin",
	ErrConfig:              "ErrConfig",
	ErrPersistence:         "ErrPersistence",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error pairs a cause with the exit code it maps to.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with code. A nil err stays nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}
