package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"time"
)

// Blob is the immutable, content-addressed payload record. Its primary
// key, ContentHash, is entirely determined by Payload, so two
// blobs with equal payloads are the same row (store-if-absent dedup).
type Blob struct {
	ContentHash string
	Payload     []byte // canonical JSON bytes
	ByteSize    int
	TokenCount  int
	CreatedAt   time.Time
}

// ContentHash computes the SHA-256 hex digest of payload's canonical JSON
// form. payload must be a primitive JSON tree: a Go struct,
// map, slice, or scalar that round-trips through encoding/json.
func ContentHash(payload any) (hash string, canonical []byte, err error) {
	canonical, err = CanonicalJSON(payload)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ShortHash renders the first bytes of a hex content/commit hash as a
// base36 string of the requested length, for human-facing short IDs
// (e.g. CLI display). A display alias only: every identity and lookup
// in this engine is by full hex64, or an explicit prefix through
// navigation.ResolveCommit.
func ShortHash(hexHash string, length int) string {
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) == 0 {
		return ""
	}
	// length 4-8 is the practical range; take enough leading bytes to
	// comfortably cover it ahead of truncation below.
	n := (length*5)/8 + 1
	if n > len(raw) {
		n = len(raw)
	}
	num := new(big.Int).SetBytes(raw[:n])
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)
	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	out := make([]byte, len(chars))
	for i, c := range chars {
		out[len(chars)-1-i] = c
	}
	s := string(out)
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}
