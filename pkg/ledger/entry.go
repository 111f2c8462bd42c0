package ledger

import "fmt"

// EntryKind identifies the variant of a LogEntry. The on-disk framing in
// internal/logchannel stores this as a single tag byte.
type EntryKind uint8

const (
	// EntryNormal is a plain key/value write.
	EntryNormal EntryKind = iota + 1
	// EntryNormalWithBlob is a key/value write that also references one or
	// more out-of-line BLOB ids.
	EntryNormalWithBlob
	// EntryRemove is a tombstone: it erases prior and equal-or-older
	// versions of (storage, key).
	EntryRemove
	// EntryClearStorage marks a storage as cleared as of a write version.
	EntryClearStorage
	// EntryAddStorage marks a storage as created as of a write version.
	EntryAddStorage
	// EntryRemoveStorage marks a storage as removed as of a write version.
	EntryRemoveStorage
	// EntryMarkerBegin opens an epoch's region within a channel file.
	EntryMarkerBegin
	// EntryMarkerEnd closes an epoch's region within a channel file.
	EntryMarkerEnd
	// EntryMarkerDurable records that all entries with major <= epoch are
	// durable. Only ever appears in an epoch file.
	EntryMarkerDurable
	// EntryMarkerInvalidatedBegin supersedes a prior marker_begin for the
	// same epoch in the same file and marks its contents unrecoverable.
	EntryMarkerInvalidatedBegin
)

func (k EntryKind) String() string {
	switch k {
	case EntryNormal:
		return "normal_entry"
	case EntryNormalWithBlob:
		return "normal_with_blob"
	case EntryRemove:
		return "remove_entry"
	case EntryClearStorage:
		return "clear_storage"
	case EntryAddStorage:
		return "add_storage"
	case EntryRemoveStorage:
		return "remove_storage"
	case EntryMarkerBegin:
		return "marker_begin"
	case EntryMarkerEnd:
		return "marker_end"
	case EntryMarkerDurable:
		return "marker_durable"
	case EntryMarkerInvalidatedBegin:
		return "marker_invalidated_begin"
	default:
		return fmt.Sprintf("entry_kind(%d)", uint8(k))
	}
}

// IsMarker reports whether the kind is an epoch marker rather than a data
// or storage-lifecycle record.
func (k EntryKind) IsMarker() bool {
	switch k {
	case EntryMarkerBegin, EntryMarkerEnd, EntryMarkerDurable, EntryMarkerInvalidatedBegin:
		return true
	default:
		return false
	}
}

// IsData reports whether the kind carries key/value data bound by a
// write version (normal entries and tombstones, but not storage-lifecycle
// or marker records).
func (k EntryKind) IsData() bool {
	switch k {
	case EntryNormal, EntryNormalWithBlob, EntryRemove:
		return true
	default:
		return false
	}
}

// LogEntry is the tagged union that makes up the unit of WAL content.
// Only the fields relevant to Kind are meaningful; callers check Kind
// before reading fields (EntryKey panics on a non-data kind).
type LogEntry struct {
	Kind         EntryKind
	Storage      StorageID
	Key          string
	Value        []byte
	WriteVersion WriteVersion
	BlobIDs      []BlobID
	Epoch        EpochID // valid for marker kinds
}

// NormalEntry builds a plain key/value write.
func NormalEntry(storage StorageID, key string, value []byte, wv WriteVersion) LogEntry {
	return LogEntry{Kind: EntryNormal, Storage: storage, Key: key, Value: value, WriteVersion: wv}
}

// NormalWithBlobEntry builds a key/value write carrying BLOB references.
func NormalWithBlobEntry(storage StorageID, key string, value []byte, wv WriteVersion, blobIDs []BlobID) LogEntry {
	return LogEntry{Kind: EntryNormalWithBlob, Storage: storage, Key: key, Value: value, WriteVersion: wv, BlobIDs: blobIDs}
}

// RemoveEntry builds a tombstone for (storage, key).
func RemoveEntry(storage StorageID, key string, wv WriteVersion) LogEntry {
	return LogEntry{Kind: EntryRemove, Storage: storage, Key: key, WriteVersion: wv}
}

// MarkerBegin builds a marker_begin(epoch) record.
func MarkerBegin(epoch EpochID) LogEntry {
	return LogEntry{Kind: EntryMarkerBegin, Epoch: epoch}
}

// MarkerEnd builds a marker_end(epoch) record.
func MarkerEnd(epoch EpochID) LogEntry {
	return LogEntry{Kind: EntryMarkerEnd, Epoch: epoch}
}

// MarkerDurable builds a marker_durable(epoch) record.
func MarkerDurable(epoch EpochID) LogEntry {
	return LogEntry{Kind: EntryMarkerDurable, Epoch: epoch}
}

// MarkerInvalidatedBegin builds a marker_invalidated_begin(epoch) record.
func MarkerInvalidatedBegin(epoch EpochID) LogEntry {
	return LogEntry{Kind: EntryMarkerInvalidatedBegin, Epoch: epoch}
}

// EntryKey returns the (storage, key) identity of a data entry. It panics
// if called on a non-data entry — callers must check IsData first.
func (e LogEntry) EntryKey() Key {
	if !e.Kind.IsData() {
		panic(fmt.Sprintf("ledger: EntryKey called on non-data entry kind %s", e.Kind))
	}
	return Key{Storage: e.Storage, Key: e.Key}
}

// SnapshotEntry is a materialized (storage, key) -> value projection, as
// produced by recovery (internal/logscan) and consumed by the snapshot
// cursor (internal/snapshotcursor).
type SnapshotEntry struct {
	Storage      StorageID
	Key          string
	Value        []byte
	WriteVersion WriteVersion
	BlobIDs      []BlobID
}
