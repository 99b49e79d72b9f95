// Package id generates compact, URL-safe identifiers for stored records.
//
// Identifiers are UUIDv4 bytes re-encoded as lowercase unpadded base32,
// producing fixed 26-character strings that sort safely in SQLite text
// columns and stay readable in logs.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character lowercase base32 identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}
