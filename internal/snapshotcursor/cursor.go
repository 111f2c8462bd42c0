// Package snapshotcursor merges the two sorted streams that make up
// recoverable state — the materialized snapshot and, if present, a
// compacted base file — into a single ordered stream of live entries:
// on a tied key the snapshot wins because it reflects newer
// rotations than the compacted base, and tombstones are dropped silently.
package snapshotcursor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// ReadError is a fatal error reading one of the input streams: a record
// that fails to decode, a non-data record, or a key out of order.
type ReadError struct {
	Stream string
	Reason string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("snapshotcursor: %s stream: %s", e.Stream, e.Reason)
}

// stream wraps one sorted input: it holds at most one pending entry at a
// time and tracks the last key seen to enforce monotonicity.
type stream struct {
	name    string
	r       io.Reader
	pending *ledger.LogEntry
	lastKey ledger.Key
	hasLast bool
	done    bool
}

func newStream(name string, data []byte) *stream {
	if data == nil {
		return &stream{name: name, done: true}
	}
	return &stream{name: name, r: bytes.NewReader(data)}
}

// fill ensures pending holds the stream's next data entry (skipping
// nothing — every record in these files is a data entry), returning a
// *ReadError if key order is violated.
func (s *stream) fill() error {
	if s.done || s.pending != nil {
		return nil
	}
	entry, err := logchannel.Decode(s.r)
	if err == io.EOF {
		s.done = true
		return nil
	}
	if err != nil {
		return &ReadError{Stream: s.name, Reason: err.Error()}
	}
	if !entry.Kind.IsData() {
		return &ReadError{Stream: s.name, Reason: fmt.Sprintf("unexpected non-data record kind %s", entry.Kind)}
	}
	key := entry.EntryKey()
	if s.hasLast && key.Less(s.lastKey) {
		return &ReadError{Stream: s.name, Reason: fmt.Sprintf("key order violation: %s after %s", key, s.lastKey)}
	}
	s.lastKey = key
	s.hasLast = true
	s.pending = &entry
	return nil
}

// Cursor streams the merged view of a snapshot and an optional compacted
// base file. Next is stateful and read-once: it returns true
// until both inputs are exhausted.
type Cursor struct {
	snapshot  *stream
	compacted *stream
	current   ledger.LogEntry
}

// Open constructs a Cursor merging snapshotData and compactedData.
// compactedData may be nil if there is no compacted base file yet.
func Open(snapshotData, compactedData []byte) *Cursor {
	return &Cursor{
		snapshot:  newStream("snapshot", snapshotData),
		compacted: newStream("compacted", compactedData),
	}
}

// Next advances the cursor to the next live (non-tombstone) entry,
// returning false once both streams are exhausted. It may return a
// *ReadError if either input cannot be read as described on ReadError.
func (c *Cursor) Next() (bool, error) {
	for {
		ok, err := c.advance()
		if err != nil || !ok {
			return ok, err
		}
		if c.current.Kind != ledger.EntryRemove {
			return true, nil
		}
	}
}

func (c *Cursor) advance() (bool, error) {
	if err := c.snapshot.fill(); err != nil {
		return false, err
	}
	if err := c.compacted.fill(); err != nil {
		return false, err
	}

	switch {
	case c.snapshot.pending == nil && c.compacted.pending == nil:
		return false, nil
	case c.snapshot.pending != nil && c.compacted.pending == nil:
		c.current = *c.snapshot.pending
		c.snapshot.pending = nil
	case c.snapshot.pending == nil && c.compacted.pending != nil:
		c.current = *c.compacted.pending
		c.compacted.pending = nil
	default:
		sk := c.snapshot.pending.EntryKey()
		ck := c.compacted.pending.EntryKey()
		switch {
		case sk.Less(ck):
			c.current = *c.snapshot.pending
			c.snapshot.pending = nil
		case ck.Less(sk):
			c.current = *c.compacted.pending
			c.compacted.pending = nil
		default:
			// Tied key: the snapshot wins, and both pending
			// entries are consumed so the older compacted value is never
			// seen again for this key.
			c.current = *c.snapshot.pending
			c.snapshot.pending = nil
			c.compacted.pending = nil
		}
	}
	return true, nil
}

// Storage returns the current entry's storage id.
func (c *Cursor) Storage() ledger.StorageID { return c.current.Storage }

// Key returns the current entry's key.
func (c *Cursor) Key() string { return c.current.Key }

// Value returns the current entry's value.
func (c *Cursor) Value() []byte { return c.current.Value }

// WriteVersion returns the current entry's write version.
func (c *Cursor) WriteVersion() ledger.WriteVersion { return c.current.WriteVersion }

// BlobIDs returns the current entry's referenced BLOB ids, if any.
func (c *Cursor) BlobIDs() []ledger.BlobID { return c.current.BlobIDs }
