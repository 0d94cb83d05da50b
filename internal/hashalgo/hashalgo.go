// Package hashalgo is the single canonical registry of checksum and
// content-hash algorithms used across the deltarepo pipeline. Every entry
// point that accepts an algorithm name (content-hash calculation, delta
// index validation, apply-time repomd checksum verification) funnels
// through Canonicalize and New
// here rather than re-implementing the legacy "sha" alias on its own.
package hashalgo

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
)

// Canonicalize maps a user- or document-supplied algorithm name to its
// canonical form. "sha" is a legacy alias for "sha1", carried over from
// repositories that predate SHA-256 becoming the default.
func Canonicalize(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "sha" {
		return "sha1"
	}
	return lower
}

// New returns a fresh hash.Hash for the canonical algorithm name, or
// deltaerrors.ErrUnknownAlgorithm if the name does not resolve.
func New(name string) (hash.Hash, error) {
	switch Canonicalize(name) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake2b", "blake2b-256":
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("hashalgo: blake2b: %w", err)
		}
		return h, nil
	case "sha3-256":
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("%w: %q", deltaerrors.ErrUnknownAlgorithm, name)
	}
}

// Supported lists the canonical algorithm names New accepts, for use in
// configuration validation and error messages.
func Supported() []string {
	return []string{"md5", "sha1", "sha256", "sha512", "blake2b", "sha3-256"}
}
