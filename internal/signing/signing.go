// Package signing provides the HMAC token signer/verifier used by the
// local (single-host) buffer provider's data plane, per spec.md §4.2 and
// §6: "The control plane signs short HMAC-like tokens with a local
// private key (rotatable via a 'secondary' key) that the data plane
// verifies."
//
// This adapts the teacher's AES-256-GCM field-encryption idiom
// (primary key for writing, primary+old keys tried for reading) from
// encrypting config blobs to HMAC-signing buffer access tokens: the
// control plane always signs with the primary key and embeds generation 1
// in the signed string; Verify checks a signature against the key of the
// generation it is given, so after a rotation (the old primary becomes
// the secondary) a token issued before it still verifies as
// GenerationSecondary until the secondary key is dropped.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Generation identifies which key signed a token.
type Generation int

const (
	// GenerationPrimary is the current signing key.
	GenerationPrimary Generation = 1
	// GenerationSecondary is the previous signing key, kept around only
	// to verify tokens issued before the last rotation.
	GenerationSecondary Generation = 2
)

// DefaultSigner is the process-wide signer initialized at startup from
// configuration.
var DefaultSigner *Signer

// Init initializes the default signer with a base64-encoded key.
// secondaryKeyBase64 may be empty if no rotation is in flight.
func Init(primaryKeyBase64, secondaryKeyBase64 string) error {
	if primaryKeyBase64 == "" {
		DefaultSigner = nil
		return nil
	}

	primary, err := decodeKey(primaryKeyBase64)
	if err != nil {
		return fmt.Errorf("signing: invalid primary key: %w", err)
	}

	var secondary []byte
	if secondaryKeyBase64 != "" {
		secondary, err = decodeKey(secondaryKeyBase64)
		if err != nil {
			return fmt.Errorf("signing: invalid secondary key: %w", err)
		}
	}

	DefaultSigner = &Signer{primaryKey: primary, secondaryKey: secondary}
	return nil
}

func decodeKey(keyBase64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("signing key must be at least 16 bytes, got %d", len(key))
	}
	return key, nil
}

// Enabled returns true if the default signer is initialized.
func Enabled() bool { return DefaultSigner != nil }

// Signer computes and verifies HMAC-SHA256 signatures over canonicalized
// access-token payloads.
type Signer struct {
	primaryKey   []byte
	secondaryKey []byte
}

// NewSigner builds a signer directly from key bytes, primarily for tests.
func NewSigner(primaryKey, secondaryKey []byte) *Signer {
	return &Signer{primaryKey: primaryKey, secondaryKey: secondaryKey}
}

// Payload is the set of fields carried by a signed buffer access token,
// per spec.md §6: "subject id, action bits, resource type (container|blob),
// not-before, not-after ... key generation".
type Payload struct {
	Subject      string
	Action       Action
	ResourceType ResourceType
	NotBefore    int64 // unix seconds
	NotAfter     int64 // unix seconds
}

// Action is a bitmask of permitted operations on the signed resource.
type Action int

const (
	ActionRead Action = 1 << iota
	ActionCreate
)

func (a Action) String() string {
	var parts []string
	if a&ActionRead != 0 {
		parts = append(parts, "r")
	}
	if a&ActionCreate != 0 {
		parts = append(parts, "c")
	}
	return strings.Join(parts, "")
}

// ResourceType distinguishes a whole buffer container from a single blob
// within it, matching the two signed routes of spec.md §6.
type ResourceType string

const (
	ResourceContainer ResourceType = "container"
	ResourceBlob      ResourceType = "blob"
)

// canonical builds the exact string that gets HMAC'd: spec.md §6's
// "canonicalized (subject, action, type, nbf, exp, gen) string".
func canonical(p Payload, gen Generation) string {
	return strings.Join([]string{
		p.Subject,
		p.Action.String(),
		string(p.ResourceType),
		strconv.FormatInt(p.NotBefore, 10),
		strconv.FormatInt(p.NotAfter, 10),
		strconv.Itoa(int(gen)),
	}, "\x1f")
}

// Sign produces a base64url signature for payload using the primary key,
// along with the generation it signed with (always GenerationPrimary —
// the control plane never signs with the retiring secondary key).
func (s *Signer) Sign(p Payload) (signature string, gen Generation, err error) {
	if s == nil || len(s.primaryKey) == 0 {
		return "", 0, fmt.Errorf("signing: signer not initialized")
	}
	mac := hmac.New(sha256.New, s.primaryKey)
	mac.Write([]byte(canonical(p, GenerationPrimary)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), GenerationPrimary, nil
}

// Verify reports whether signature is a valid HMAC for payload under the
// key of generation gen, compared in constant time. The signed string is
// rebuilt with GenerationPrimary, the generation Sign always embeds, so a
// token signed before a rotation verifies under GenerationSecondary.
// It does not check NotBefore/NotAfter — callers check those separately
// against the current time so expiry can be tested deterministically.
func (s *Signer) Verify(p Payload, signature string, gen Generation) bool {
	if s == nil {
		return false
	}
	var key []byte
	switch gen {
	case GenerationPrimary:
		key = s.primaryKey
	case GenerationSecondary:
		key = s.secondaryKey
	default:
		return false
	}
	if len(key) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical(p, GenerationPrimary)))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
