package snapshotcursor

import (
	"testing"

	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

func encodeAll(t *testing.T, entries ...ledger.LogEntry) []byte {
	t.Helper()
	var buf []byte
	for _, e := range entries {
		b, err := logchannel.Encode(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf = append(buf, b...)
	}
	return buf
}

func TestCursorSnapshotWinsOnTie(t *testing.T) {
	snap := encodeAll(t,
		ledger.NormalEntry(1, "k1", []byte("v1'"), ledger.WriteVersion{Major: 2, Minor: 0}),
		ledger.NormalEntry(1, "k2", []byte("v2"), ledger.WriteVersion{Major: 1, Minor: 1}),
	)
	compacted := encodeAll(t,
		ledger.NormalEntry(1, "k1", []byte("stale"), ledger.WriteVersion{Major: 1, Minor: 0}),
	)

	c := Open(snap, compacted)
	var got []string
	for {
		ok, err := c.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, c.Key()+"="+string(c.Value()))
	}
	if len(got) != 2 || got[0] != "k1=v1'" || got[1] != "k2=v2" {
		t.Fatalf("unexpected merge result: %v", got)
	}
}

func TestCursorDropsTombstones(t *testing.T) {
	snap := encodeAll(t,
		ledger.NormalEntry(1, "a", []byte("1"), ledger.WriteVersion{Major: 5, Minor: 0}),
		ledger.RemoveEntry(1, "a", ledger.WriteVersion{Major: 5, Minor: 1}),
	)
	c := Open(snap, nil)
	// The first fill sees "a"=1 then the tombstone for the same key in
	// sequence; Next must skip the tombstone record entirely rather than
	// surface it, since the stream here is not pre-merged by key — this
	// exercises pure tombstone filtering, not version reconciliation.
	ok, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || c.Key() != "a" || string(c.Value()) != "1" {
		t.Fatalf("expected first live entry a=1, got ok=%v key=%q", ok, c.Key())
	}
	ok, err = c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatalf("expected tombstone to be dropped and stream exhausted, got key=%q", c.Key())
	}
}

func TestCursorMergesDisjointKeys(t *testing.T) {
	snap := encodeAll(t,
		ledger.NormalEntry(1, "b", []byte("2"), ledger.WriteVersion{Major: 1, Minor: 0}),
	)
	compacted := encodeAll(t,
		ledger.NormalEntry(1, "a", []byte("1"), ledger.WriteVersion{Major: 0, Minor: 0}),
	)
	c := Open(snap, compacted)
	var order []string
	for {
		ok, err := c.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		order = append(order, c.Key())
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected sorted merge [a b], got %v", order)
	}
}

func TestCursorEmptyStreams(t *testing.T) {
	c := Open(nil, nil)
	ok, err := c.Next()
	if err != nil {
		t.Fatalf("Next on empty cursor: %v", err)
	}
	if ok {
		t.Fatalf("expected no entries from empty streams")
	}
}

func TestCursorKeyOrderViolationIsFatal(t *testing.T) {
	snap := encodeAll(t,
		ledger.NormalEntry(1, "z", []byte("1"), ledger.WriteVersion{Major: 1, Minor: 0}),
		ledger.NormalEntry(1, "a", []byte("2"), ledger.WriteVersion{Major: 1, Minor: 1}),
	)
	c := Open(snap, nil)
	if _, err := c.Next(); err != nil {
		t.Fatalf("first Next should succeed: %v", err)
	}
	if _, err := c.Next(); err == nil {
		t.Fatalf("expected a *ReadError for non-decreasing key violation")
	} else if _, ok := err.(*ReadError); !ok {
		t.Fatalf("expected *ReadError, got %T: %v", err, err)
	}
}

func TestCursorBlobIDsSurfaced(t *testing.T) {
	snap := encodeAll(t,
		ledger.NormalWithBlobEntry(1, "k1", []byte("v1'"), ledger.WriteVersion{Major: 2, Minor: 0}, []ledger.BlobID{2001, 2002}),
	)
	c := Open(snap, nil)
	ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if len(c.BlobIDs()) != 2 || c.BlobIDs()[0] != 2001 || c.BlobIDs()[1] != 2002 {
		t.Fatalf("unexpected blob ids: %v", c.BlobIDs())
	}
	if c.Storage() != 1 {
		t.Fatalf("unexpected storage: %v", c.Storage())
	}
	if c.WriteVersion() != (ledger.WriteVersion{Major: 2, Minor: 0}) {
		t.Fatalf("unexpected write version: %v", c.WriteVersion())
	}
}
