package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrAddressInUse      = errors.New("address in use")
	ErrStaleSocket       = errors.New("stale socket")
	ErrConnectionRefused = errors.New("connection refused")
	ErrPermission        = errors.New("permission denied")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrCancelled         = errors.New("cancelled")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrRouting           = errors.New("routing failed")
	ErrProtocolFraming   = errors.New("protocol framing error")
)

// wire names of the errors that are meaningful across the connection
var sentinelNames = []struct {
	name string
	err  error
}{
	{"UnknownChannel", ErrUnknownChannel},
	{"UnknownCommand", ErrUnknownCommand},
	{"Cancelled", ErrCancelled},
	{"ConnectionClosed", ErrConnectionClosed},
	{"ConnectionLost", ErrConnectionLost},
	{"Routing", ErrRouting},
	{"ProtocolFraming", ErrProtocolFraming},
}

// RemoteError is an error raised by the peer's channel implementation.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Unwrap maps well-known names back to their sentinel so errors.Is works
// across the connection.
func (e *RemoteError) Unwrap() error {
	for _, s := range sentinelNames {
		if s.name == e.Name {
			return s.err
		}
	}
	return nil
}

// NamedError lets application errors choose the name sent to the peer.
type NamedError interface {
	error
	ErrorName() string
}

func toRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	var named NamedError
	if errors.As(err, &named) {
		return &RemoteError{Name: named.ErrorName(), Message: err.Error()}
	}
	for _, s := range sentinelNames {
		if errors.Is(err, s.err) {
			return &RemoteError{Name: s.name, Message: err.Error()}
		}
	}
	return &RemoteError{Name: "Error", Message: err.Error()}
}

func cancelledError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
