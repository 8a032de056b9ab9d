// Package canonical provides deterministic serialization and hashing.
//
// Every hash that participates in an audit artifact (event hashes, evidence
// chain links, GDLI roots, weight-vector hashes) is computed over RFC 8785
// canonical JSON, so that any consumer holding the same inputs derives the
// identical digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first link in any evidence chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Marshal serializes v to RFC 8785 (JCS) canonical JSON.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	canonical, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the lowercase hex SHA-256 of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// ShortHash returns the first n hex characters of the canonical hash of v.
// Used for compact identifiers such as weight-vector hashes.
func ShortHash(v interface{}, n int) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	if n > len(h) {
		n = len(h)
	}
	return h[:n], nil
}

// ChainHash computes the hash of one evidence-chain link:
// SHA-256 over the canonical JSON of {prev_hash, package}.
func ChainHash(prevHash string, pkg json.RawMessage) (string, error) {
	link := struct {
		PrevHash string          `json:"prev_hash"`
		Package  json.RawMessage `json:"package"`
	}{PrevHash: prevHash, Package: pkg}
	return Hash(link)
}
