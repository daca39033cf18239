// Package eventlog defines the append-only, per-key event stream that every
// CRDT folds, and a local implementation backed by pkg/store.
//
// A Log delivers records for its key to each subscriber in append order,
// including records appended by the subscriber itself. There is no ordering
// between different keys.
package eventlog

import (
	"errors"
	"fmt"
)

// Mode selects which existing records a new subscription receives before
// live ones.
type Mode int

const (
	// ModeNone delivers only records appended after subscribing.
	ModeNone Mode = iota
	// ModeTailOnly delivers the most recent existing record, then live ones.
	ModeTailOnly
	// ModeFullReplay delivers every existing record, then live ones.
	ModeFullReplay
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeTailOnly:
		return "tail"
	case ModeFullReplay:
		return "replay"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	// ErrClosed is returned by operations on a closed log or hub.
	ErrClosed = errors.New("event log closed")
	// ErrInvalidKey rejects keys the backend cannot represent.
	ErrInvalidKey = errors.New("invalid event log key")
)

// Record is one entry of a log.
type Record struct {
	Key     string
	ID      string
	Payload []byte
}

// Subscription detaches a subscriber. Records already queued for delivery are
// dropped once Close returns.
type Subscription interface {
	Close()
}

// Log is the per-key event stream.
type Log interface {
	// Key names the stream.
	Key() string

	// Append adds payload to the end of the stream. It does not wait for
	// the record to be delivered; failures are logged by the implementation.
	Append(payload []byte)

	// Subscribe registers fn for records of this stream.
	Subscribe(mode Mode, fn func(Record)) Subscription

	// HasAnyEvent reports whether the stream has at least one record.
	HasAnyEvent() (bool, error)
}

// Opener returns the Log for a key. Implementations bind the returned log to
// the caller's dispatcher.
type Opener interface {
	Open(key string) Log
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(key string) Log

func (f OpenerFunc) Open(key string) Log { return f(key) }
