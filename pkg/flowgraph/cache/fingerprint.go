package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the cache fingerprint for a query.
//
// Only the query text is hashed. Session, user and chat history are not
// part of it, so identical questions share entries across sessions.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Key returns the storage key for a step result: "{step}:{fingerprint}".
func Key(step, fingerprint string) string {
	return step + ":" + fingerprint
}
