// Package idgen provides identifiers and opaque tokens for settlement records.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	EscrowPrefix  = "esc_"
	DisputePrefix = "dsp_"
)

// New returns a random UUID string for append-only records
// (transfers, revenue shares, royalties, evidence, timeline entries).
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// EscrowID returns a new escrow account identifier.
func EscrowID() string { return WithPrefix(EscrowPrefix) }

// DisputeID returns a new dispute identifier.
func DisputeID() string { return WithPrefix(DisputePrefix) }

// SecurityToken returns an opaque 256-bit token attached to an escrow account.
func SecurityToken() string { return Hex(32) }

// TransferHash derives an opaque hash for a transfer record from its parts
// plus a random salt, so two transfers never share a hash.
func TransferHash(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "|")))
	h.Write([]byte(Hex(8)))
	return hex.EncodeToString(h.Sum(nil))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
