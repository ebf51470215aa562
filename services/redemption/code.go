package redemption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// codeAlphabet omits 0/O and 1/I so codes survive handwriting and manual
// entry on low-end devices.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// mintCode produces a candidate code such as EDU-ABC-1234. Uniqueness is
// the caller's problem; this only guarantees unpredictability.
func mintCode(prefix string) (string, error) {
	chars, err := randomChars(7)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, chars[:3], chars[3:]), nil
}

func randomChars(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode maps manual entry onto the stored form: uppercase, trimmed.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// mintToken returns the raw one-time token and its sha256 hex digest. Only
// the digest is persisted.
func mintToken() (raw, digest string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken derives the stored digest of a raw one-time token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// codeClaimKey is the redis key that holds a freshly minted code while the
// insert is in flight, so concurrent issuers cannot mint the same code.
func codeClaimKey(code string) string {
	return "redemption:code:" + code
}

const codeClaimTTL = time.Hour
