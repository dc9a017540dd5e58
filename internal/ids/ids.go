package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier, used for request ids.
// ulid.Make draws from a process-wide monotonic entropy source and is safe
// for concurrent use.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s is a canonical ULID, so that inbound request ids
// can be trusted in logs.
func Valid(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
