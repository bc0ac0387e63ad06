// Package hashing provides canonical JSON encoding and content digests.
//
// Approval validity is derived entirely from these digests: the same
// canonicalization runs at approval time and at execution time, so equal
// logical content always yields an equal digest regardless of field order.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize encodes v as deterministic compact JSON with sorted object
// keys. The value is round-tripped through generic JSON so struct field
// order and map iteration order cannot leak into the encoding.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	// Decode with json.Number so numeric literals survive byte-for-byte
	// instead of drifting through float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	// encoding/json sorts map keys, which gives us the canonical ordering.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the hex-encoded SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Text returns the hex-encoded SHA-256 digest of a UTF-8 string.
func SHA256Text(text string) string {
	return SHA256Hex([]byte(text))
}

// DigestOf canonicalizes v and returns its SHA-256 hex digest.
func DigestOf(v interface{}) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
