// Package jcsutil wraps RFC 8785 JSON canonicalization.
package jcsutil

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) canonical form of JSON input.
func Canonicalize(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Digest canonicalizes JSON and returns a sha256 hex digest.
func Digest(input []byte) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
