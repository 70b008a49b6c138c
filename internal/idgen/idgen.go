// Package idgen generates the opaque identifiers used throughout the
// control plane: buffer ids and ephemeral buffer markers.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// bufferIDBytes is the amount of entropy backing a buffer id: 128 bits,
// per spec.md §3 ("opaque id (lowercase base32 of a 128-bit random value)").
const bufferIDBytes = 16

// base32Encoding is RFC 4648 base32 without padding, lowercased to match
// the `^[a-z2-7]{26}$` shape required by spec.md §8 property 3.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewBufferID returns a fresh, globally-unique buffer id.
func NewBufferID() (string, error) {
	buf := make([]byte, bufferIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: failed to read random bytes: %w", err)
	}
	return strings.ToLower(base32Encoding.EncodeToString(buf)), nil
}

// MustNewBufferID panics on entropy-source failure. Only safe for paths
// that have no sane recovery from crypto/rand being broken.
func MustNewBufferID() string {
	id, err := NewBufferID()
	if err != nil {
		panic(err)
	}
	return id
}

const (
	tempPrefix = "temp-"
	runPrefix  = "run-"
)

// EphemeralTempID builds the single-operation ephemeral marker `temp-<id>`.
func EphemeralTempID(id string) string {
	return tempPrefix + id
}

// EphemeralRunID builds the run-scoped ephemeral marker `run-<runId>-temp-<id>`.
func EphemeralRunID(runID, id string) string {
	return fmt.Sprintf("%s%s-%s%s", runPrefix, runID, tempPrefix, id)
}
