// Package integrity provides tamper-evident hashing and signing for the
// audit chain. All functions are pure and deterministic.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Hash version prefixes. New hashes get v2 (length-prefixed encoding).
// Old hashes (no prefix) are treated as v1 (pipe-delimited) for backward compatibility.
const (
	hashV2Prefix = "v2:"
)

// ContentHash produces the SHA-256 hex digest of a content body. Prompts
// and responses are stored in the audit chain as these digests, never as
// plaintext.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// EntryHash produces a versioned SHA-256 hex digest over the canonical
// fields of one audit entry. New hashes use the v2 format (length-prefixed
// binary encoding) and carry a "v2:" prefix.
func EntryHash(id, orgID, requestID, entryType, previousHash string, timestamp time.Time, data []byte) string {
	return hashV2Prefix + computeV2Hash(id, orgID, requestID, entryType, previousHash, timestamp, data)
}

// VerifyEntryHash checks whether a stored hash matches the recomputed
// hash. It detects the hash version from the prefix:
//   - "v2:" prefix -> length-prefixed binary encoding (current)
//   - no prefix    -> pipe-delimited encoding (legacy v1)
func VerifyEntryHash(stored, id, orgID, requestID, entryType, previousHash string, timestamp time.Time, data []byte) bool {
	if strings.HasPrefix(stored, hashV2Prefix) {
		return stored == hashV2Prefix+computeV2Hash(id, orgID, requestID, entryType, previousHash, timestamp, data)
	}
	// Legacy v1 hashes (pipe-delimited, no version prefix).
	return stored == computeV1Hash(id, orgID, requestID, entryType, previousHash, timestamp, data)
}

// Sign produces the HMAC-SHA-256 hex signature of an entry hash.
func Sign(key []byte, entryHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(entryHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time.
func VerifySignature(key []byte, entryHash, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(entryHash))
	return hmac.Equal(mac.Sum(nil), want)
}

// computeV1Hash produces the legacy pipe-delimited SHA-256 hex digest.
// Kept for backward compatibility with chains written before the v2 format.
func computeV1Hash(id, orgID, requestID, entryType, previousHash string, timestamp time.Time, data []byte) string {
	canonical := id + "|" + orgID + "|" + requestID + "|" + entryType + "|" +
		previousHash + "|" + timestamp.UTC().Format(time.RFC3339Nano) + "|" + string(data)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// computeV2Hash produces a length-prefixed SHA-256 hex digest.
// Each field is encoded as a 4-byte big-endian length prefix followed by the field bytes.
// This avoids delimiter collisions when freeform text fields contain pipe characters.
func computeV2Hash(id, orgID, requestID, entryType, previousHash string, timestamp time.Time, data []byte) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(id))
	writeField([]byte(orgID))
	writeField([]byte(requestID))
	writeField([]byte(entryType))
	writeField([]byte(previousHash))
	writeField([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	writeField(data)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Archiving uses this to anchor a batch of removed entries with one
// digest. If leaves is empty, returns an empty string. If leaves has one
// element, the root is that element. Odd-length levels hash the last node
// with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// Build tree bottom-up.
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
