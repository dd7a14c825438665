package keyfold

import (
	"time"

	"github.com/google/uuid"
)

// Record is a decrypted vault entry. Secrets maps field names such as
// "username" or "password" to their values; the schema is up to the
// caller.
type Record struct {
	ID        string            `msgpack:"id"`
	Secrets   map[string]string `msgpack:"secrets"`
	CreatedAt time.Time         `msgpack:"created_at"`
	UpdatedAt time.Time         `msgpack:"updated_at"`

	// Deleted marks a tombstone during sync. Tombstones never appear
	// in Records() results.
	Deleted bool `msgpack:"-"`
}

// NewRecordID returns a time-sortable unique record identifier.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 fails only if the system clock or entropy source is
		// broken; fall back to a random UUID.
		return uuid.NewString()
	}
	return id.String()
}

// clone returns a deep copy so callers cannot mutate cached state.
func (r *Record) clone() *Record {
	out := *r
	out.Secrets = make(map[string]string, len(r.Secrets))
	for k, v := range r.Secrets {
		out.Secrets[k] = v
	}
	return &out
}
