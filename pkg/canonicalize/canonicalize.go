// Package canonicalize provides deterministic JSON canonicalization and
// content hashing. No other package in this module imports it; the
// audit chain computes its HMAC over a pipe-joined field string.
//
// Grounded on the teacher's pkg/canonicalize (JCS-based Canonicalize +
// ComputeArtifactHash) and pkg/guardian/audit.go's computeEntryHash.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON marshals v to JSON and then canonicalizes it per RFC 8785 (JSON
// Canonicalization Scheme), so structurally identical values with
// different key orders or whitespace hash identically.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canon, nil
}

// HashBytes returns the lower-case hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns its hex SHA-256 digest.
func HashJSON(v any) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}
