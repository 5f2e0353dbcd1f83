package colstore

import (
	"github.com/google/uuid"
)

// RowID is the internally generated primary key of a row.
//
// It is a UUIDv7: 48 bits of Unix milliseconds, a monotonic sub-millisecond
// sequence, then random bits. IDs generated by one process are strictly
// increasing and compare in creation order both as bytes and as strings.
type RowID = uuid.UUID

// NewRowID returns a new, never reused, time-sortable row identifier.
func NewRowID() RowID {
	return uuid.Must(uuid.NewV7())
}

// ParseRowID decodes the canonical string form of a RowID.
func ParseRowID(s string) (RowID, error) {
	return uuid.Parse(s)
}
