package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// fingerprintSchema is folded into every fingerprint. Bump it when the
// meaning of the encoded inputs changes so that old slots become stale.
const fingerprintSchema uint16 = 1

// Fingerprint is a SHA-256 digest of everything that determines a build's
// output. Equal fingerprints mean build-equivalent requests.
type Fingerprint [32]byte

// String returns the hex encoding.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string { return f.String()[:12] }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// ParseFingerprint decodes the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("parse fingerprint: want %d bytes, got %d", len(f), len(b))
	}
	copy(f[:], b)
	return f, nil
}

type fingerprintInput struct {
	Schema  uint16 `msgpack:"schema"`
	Source  string `msgpack:"source"`
	Options any    `msgpack:"options"`
}

// ComputeFingerprint digests source together with options. options may be
// any msgpack-encodable value (typically a struct of generation options plus
// the collaborator Description). Map keys are sorted before hashing, so the
// result never depends on map iteration order; slice order is significant.
//
// An options value that cannot be encoded is a programming error and panics.
func ComputeFingerprint(source string, options any) Fingerprint {
	h := sha256.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(fingerprintInput{
		Schema:  fingerprintSchema,
		Source:  source,
		Options: options,
	}); err != nil {
		panic(fmt.Sprintf("cache: fingerprint options not encodable: %v", err))
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
