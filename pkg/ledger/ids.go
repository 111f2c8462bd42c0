// Package ledger defines the core domain types shared across the
// persistence engine: epoch and storage identifiers, write versions, and
// the log entry tagged union that every on-disk record ultimately encodes.
package ledger

import "fmt"

// EpochID is a process-wide monotonically increasing durability boundary.
// It never decreases across restarts.
type EpochID uint64

// StorageID is an opaque namespace tag grouping keys into a storage.
type StorageID uint64

// BlobID uniquely identifies a BLOB for the lifetime of the database.
type BlobID uint64

// WriteVersion orders competing writes to the same (storage, key). Minor is
// a per-session strictly increasing sequence; Major is the epoch the write
// was captured in.
type WriteVersion struct {
	Major EpochID
	Minor uint64
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, ordering lexicographically on (Major, Minor).
func (v WriteVersion) Compare(other WriteVersion) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v sorts strictly before other.
func (v WriteVersion) Less(other WriteVersion) bool {
	return v.Compare(other) < 0
}

func (v WriteVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Key identifies a single record within a storage.
type Key struct {
	Storage StorageID
	Key     string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.Storage, k.Key)
}

// Less orders keys by (Storage, Key) — the order every sorted on-disk
// stream (compacted file, snapshot) must respect.
func (k Key) Less(other Key) bool {
	if k.Storage != other.Storage {
		return k.Storage < other.Storage
	}
	return k.Key < other.Key
}
