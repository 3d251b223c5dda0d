package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewHexID returns a 32-character lowercase hex identifier in the format the
// upstream forms API assigns to persisted drafts.
func NewHexID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
