// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the security event trail. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

const hashV1Prefix = "v1:"

// ComputeEventHash produces a versioned SHA-256 hex digest over the canonical
// fields of a security event. Seq and ContentHash itself are excluded: seq is
// assigned by the store after the hash is computed.
func ComputeEventHash(e model.SecurityEvent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.ID.String())
	writeField(e.CreatedAt.UTC().Format(time.RFC3339Nano))
	writeField(string(e.EventType))
	writeField(string(e.Severity))
	writeField(e.Description)
	if e.RelatedTaskID != nil {
		writeField(e.RelatedTaskID.String())
	} else {
		writeField("")
	}
	writeField(e.ActorID)
	writeField(e.IPAddress)
	writeField(e.UserAgent)
	writeField(canonicalDetails(e.Details))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyEventHash checks whether e.ContentHash matches the recomputed hash.
func VerifyEventHash(e model.SecurityEvent) bool {
	if !strings.HasPrefix(e.ContentHash, hashV1Prefix) {
		return false
	}
	return e.ContentHash == ComputeEventHash(e)
}

// canonicalDetails renders details as JSON with sorted keys. An empty and a
// nil map hash identically.
func canonicalDetails(details map[string]any) string {
	if len(details) == 0 {
		return "{}"
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are used in the order given; exports pass them oldest first.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
