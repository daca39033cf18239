// Package event encodes the log payloads of each CRDT kind.
//
// Payloads are msgpack envelopes discriminated by a kind byte. Decoding
// validates the envelope against the kind the caller expects and decodes the
// value into the caller's type; anything else is ErrMalformed.
package event

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_deck/pkg/ident"
)

// Kind identifies the CRDT an event belongs to.
type Kind uint8

const (
	KindLWW   Kind = 0x01
	KindORSet Kind = 0x02
	KindGSet  Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindLWW:
		return "lww"
	case KindORSet:
		return "orset"
	case KindGSet:
		return "gset"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Op is the operation of an ORSet event, also used to report presence flips.
type Op uint8

const (
	OpAdd    Op = 0x01
	OpDelete Op = 0x02
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ErrMalformed marks payloads rejected at the fold boundary.
var ErrMalformed = errors.New("malformed event")

type envelope struct {
	Kind  Kind               `msgpack:"k"`
	When  int64              `msgpack:"w,omitempty"`
	Op    Op                 `msgpack:"o,omitempty"`
	Tag   string             `msgpack:"t,omitempty"`
	Value msgpack.RawMessage `msgpack:"v"`
}

// LWW is a register write.
type LWW[T any] struct {
	When  int64
	Value T
}

// ORSet is an add or a retraction of one tag.
type ORSet[V any] struct {
	Op    Op
	Value V
	Tag   string
}

// GSet is an insertion.
type GSet[V any] struct {
	Value V
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func encode[V any](env envelope, value V) ([]byte, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s value: %w", env.Kind, err)
	}
	env.Value = raw
	return msgpack.Marshal(&env)
}

func decodeEnvelope(data []byte, want Kind) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, malformed("decode envelope: %v", err)
	}
	if env.Kind != want {
		return env, malformed("kind %s, want %s", env.Kind, want)
	}
	if len(env.Value) == 0 {
		return env, malformed("%s event without value", want)
	}
	return env, nil
}

func decodeValue[V any](env envelope) (V, error) {
	var v V
	if err := msgpack.Unmarshal(env.Value, &v); err != nil {
		return v, malformed("decode %s value: %v", env.Kind, err)
	}
	return v, nil
}

// EncodeLWW encodes a register write.
func EncodeLWW[T any](e LWW[T]) ([]byte, error) {
	return encode(envelope{Kind: KindLWW, When: e.When}, e.Value)
}

// DecodeLWW decodes and validates a register write.
func DecodeLWW[T any](data []byte) (LWW[T], error) {
	env, err := decodeEnvelope(data, KindLWW)
	if err != nil {
		return LWW[T]{}, err
	}
	if env.When <= 0 {
		return LWW[T]{}, malformed("lww timestamp %d", env.When)
	}
	v, err := decodeValue[T](env)
	if err != nil {
		return LWW[T]{}, err
	}
	return LWW[T]{When: env.When, Value: v}, nil
}

// EncodeORSet encodes an ORSet operation.
func EncodeORSet[V any](e ORSet[V]) ([]byte, error) {
	return encode(envelope{Kind: KindORSet, Op: e.Op, Tag: e.Tag}, e.Value)
}

// DecodeORSet decodes and validates an ORSet operation.
func DecodeORSet[V any](data []byte) (ORSet[V], error) {
	env, err := decodeEnvelope(data, KindORSet)
	if err != nil {
		return ORSet[V]{}, err
	}
	if env.Op != OpAdd && env.Op != OpDelete {
		return ORSet[V]{}, malformed("orset op %s", env.Op)
	}
	if !ident.Valid(env.Tag) {
		return ORSet[V]{}, malformed("orset tag %q", env.Tag)
	}
	v, err := decodeValue[V](env)
	if err != nil {
		return ORSet[V]{}, err
	}
	return ORSet[V]{Op: env.Op, Value: v, Tag: env.Tag}, nil
}

// EncodeGSet encodes a GSet insertion.
func EncodeGSet[V any](e GSet[V]) ([]byte, error) {
	return encode(envelope{Kind: KindGSet}, e.Value)
}

// DecodeGSet decodes and validates a GSet insertion.
func DecodeGSet[V any](data []byte) (GSet[V], error) {
	env, err := decodeEnvelope(data, KindGSet)
	if err != nil {
		return GSet[V]{}, err
	}
	v, err := decodeValue[V](env)
	if err != nil {
		return GSet[V]{}, err
	}
	return GSet[V]{Value: v}, nil
}
