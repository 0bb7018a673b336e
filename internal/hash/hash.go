// Package hash computes content digests.
//
// The apply engine fingerprints the raw bytes of a plan file so that a resumed
// run can detect that the plan changed since its staging directory was
// created. Digests are rendered in OCI form ("sha256:<hex>") so the algorithm
// travels with the value stored in the operation log.
package hash

import (
	_ "crypto/sha256" // registers the canonical digest algorithm
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Hasher provides an abstraction for content hashing.
type Hasher interface {
	// HashBytes returns the digest of data.
	HashBytes(data []byte) string
}

// DigestHasher implements Hasher with the canonical OCI digest algorithm.
type DigestHasher struct {
	algorithm digest.Algorithm
}

// NewDigestHasher creates a DigestHasher using SHA-256.
func NewDigestHasher() *DigestHasher {
	return &DigestHasher{algorithm: digest.Canonical}
}

// HashBytes returns the digest of data.
func (h *DigestHasher) HashBytes(data []byte) string {
	return h.algorithm.FromBytes(data).String()
}

// Validate reports whether s is a well-formed digest string.
func Validate(s string) error {
	if _, err := digest.Parse(s); err != nil {
		return fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return nil
}

// Short returns an abbreviated form of a digest for display.
func Short(s string) string {
	d, err := digest.Parse(s)
	if err != nil {
		return s
	}
	encoded := d.Encoded()
	if len(encoded) > 12 {
		encoded = encoded[:12]
	}
	return encoded
}
