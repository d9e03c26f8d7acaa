// Package idgen generates prefixed identifiers for guard records.
//
// IDs are UUIDv7 with the dashes removed, so lexical order follows
// creation time. Stores use the ID as the tie-break when two rows share
// a timestamp.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes, one per record type.
const (
	Tenant      = "ten_"
	Reservation = "res_"
	Action      = "act_"
	Audit       = "aud_"
	RiskEvent   = "rev_"
)

// New generates a time-ordered UUID string.
func New() string {
	return newV7().String()
}

// WithPrefix returns prefix followed by 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(newV7().String(), "-", "")
}

// Valid reports whether id was produced by WithPrefix(prefix).
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

func newV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// entropy exhaustion; fall back to v4 which panics on the same failure
		return uuid.New()
	}
	return id
}
