package graph

import "github.com/google/uuid"

// UUIDv7Generator generates time-sortable UUIDv7 task IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so task IDs sort
// by creation time, which keeps logs and traces readable.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7 string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
