// Package id generates the opaque identifiers used for connections and
// client-side stroke operations.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 rendered as 26 lowercase base32 characters.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}

// NewOperationID returns a stroke id scoped to owner. Owner is the
// connection id once known; "local" before the server assigned one.
func NewOperationID(owner string, now time.Time) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "local"
	}
	suffix, err := NewID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%s", owner, now.UnixMilli(), suffix[:8]), nil
}

// Short returns the first n characters of id, or id itself when shorter.
func Short(id string, n int) string {
	if n <= 0 || len(id) <= n {
		return id
	}
	return id[:n]
}
