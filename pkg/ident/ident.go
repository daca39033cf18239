// Package ident generates the short, time-ordered identity tokens used as
// entity ids and as ORSet operation tags.
//
// A token is 20 symbols over a 64-symbol alphabet. The first 8 symbols encode
// the creation time in milliseconds, most significant digit first, so tokens
// sort by creation time. The remaining 12 symbols are random. Tokens created in
// the same millisecond are distinguished only probabilistically (72 bits).
package ident

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Alphabet is ordered so that lexicographic order of prefixes matches numeric
// order of timestamps.
const Alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

const (
	// Length is the total token length.
	Length = 20
	// PrefixLength is the length of the time-derived prefix.
	PrefixLength = 8

	randomLength = Length - PrefixLength
)

// Generator produces tokens from a time source and a random source.
type Generator struct {
	now  func() time.Time
	intn func(n int) int
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRand replaces the random source.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) {
		if r != nil {
			g.intn = r.IntN
		}
	}
}

// NewGenerator creates a Generator using wall-clock time and the global
// random source unless overridden.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		now:  time.Now,
		intn: rand.IntN,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

var defaultGenerator = NewGenerator()

// Generate returns a fresh token from the default generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate returns a fresh token.
func (g *Generator) Generate() string {
	var buf [Length]byte

	now := g.now().UnixMilli()
	for i := PrefixLength - 1; i >= 0; i-- {
		buf[i] = Alphabet[now%64]
		now /= 64
	}
	for i := 0; i < randomLength; i++ {
		buf[PrefixLength+i] = Alphabet[g.intn(64)]
	}
	return string(buf[:])
}

// Valid reports whether s has the token shape.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// Prefix returns the time-derived part of a token.
func Prefix(tag string) string {
	if len(tag) < PrefixLength {
		return tag
	}
	return tag[:PrefixLength]
}
