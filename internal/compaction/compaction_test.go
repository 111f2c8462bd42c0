package compaction

import (
	"testing"

	"github.com/beaver-ledger/ledgerstore/internal/catalog"
	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/internal/logscan"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// writeWAL encodes a rotated WAL file wrapped in a single marker_begin /
// marker_end region, the shape scanWAL expects: every data entry must lie
// strictly between a begin and end marker for its epoch.
func writeWAL(t *testing.T, ops walfile.Ops, path string, epoch ledger.EpochID, entries ...ledger.LogEntry) {
	t.Helper()
	all := append([]ledger.LogEntry{ledger.MarkerBegin(epoch)}, entries...)
	all = append(all, ledger.MarkerEnd(epoch))
	var buf []byte
	for _, e := range all {
		b, err := logchannel.Encode(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf = append(buf, b...)
	}
	if err := ops.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func newEmptyCatalog(t *testing.T, ops walfile.Ops, dir string) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load(ops, dir)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	return cat
}

// Two epochs of writes to overlapping and disjoint keys, compacted once:
// the newest write-version wins per key and the catalog records the
// cutoff epoch.
func TestCompactMergesAcrossEpochs(t *testing.T) {
	ops := walfile.NewMem()
	dir := "/data"
	cat := newEmptyCatalog(t, ops, dir)

	writeWAL(t, ops, walfile.Join(dir, "pwal_0000.1000.1"), 1,
		ledger.NormalWithBlobEntry(1, "k1", []byte("v1"), ledger.WriteVersion{Major: 1, Minor: 0}, []ledger.BlobID{1001, 1002}),
		ledger.NormalWithBlobEntry(1, "k2", []byte("v2"), ledger.WriteVersion{Major: 1, Minor: 1}, []ledger.BlobID{1003}),
	)
	writeWAL(t, ops, walfile.Join(dir, "pwal_0000.2000.1"), 2,
		ledger.NormalWithBlobEntry(1, "k1", []byte("v1'"), ledger.WriteVersion{Major: 2, Minor: 0}, []ledger.BlobID{2001, 2002}),
	)

	rotatedCalled := false
	eng := New(Deps{
		Ops:               ops,
		Dir:               dir,
		RotateAllChannels: func() error { rotatedCalled = true; return nil },
		ListRotatedWAL: func() ([]string, error) {
			return []string{
				walfile.Join(dir, "pwal_0000.1000.1"),
				walfile.Join(dir, "pwal_0000.2000.1"),
			}, nil
		},
		Catalog: cat,
	})

	result, err := eng.Compact(2)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !rotatedCalled {
		t.Fatalf("expected RotateAllChannels to be invoked")
	}
	if result.MaxEpochID != 2 {
		t.Fatalf("expected catalog max epoch 2, got %d", result.MaxEpochID)
	}
	if result.KeysMerged != 2 {
		t.Fatalf("expected 2 merged keys, got %d", result.KeysMerged)
	}
	if len(result.DetachedWAL) != 2 {
		t.Fatalf("expected 2 detached WAL files, got %v", result.DetachedWAL)
	}

	data, err := ops.ReadFile(walfile.Join(dir, result.CompactedFile))
	if err != nil {
		t.Fatalf("reading compacted file: %v", err)
	}
	entries, err := logscan.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	byKey := map[string]ledger.SnapshotEntry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	if string(byKey["k1"].Value) != "v1'" {
		t.Fatalf("expected k1=v1', got %q", byKey["k1"].Value)
	}
	if len(byKey["k1"].BlobIDs) != 2 || byKey["k1"].BlobIDs[0] != 2001 {
		t.Fatalf("expected k1 blobs [2001 2002], got %v", byKey["k1"].BlobIDs)
	}
	if string(byKey["k2"].Value) != "v2" {
		t.Fatalf("expected k2=v2, got %q", byKey["k2"].Value)
	}

	reloaded, err := catalog.Load(ops, dir)
	if err != nil {
		t.Fatalf("reloading catalog: %v", err)
	}
	if reloaded.MaxEpochID != 2 {
		t.Fatalf("expected reloaded catalog max epoch 2, got %d", reloaded.MaxEpochID)
	}
	if !reloaded.IsCompacted(result.CompactedFile) {
		t.Fatalf("expected reloaded catalog to list %s as compacted", result.CompactedFile)
	}
}

// A write, a tombstone for the same key, then a newer write — compaction
// must retain only the newest live value.
func TestCompactDropsTombstonesAndAppliesNewerWrite(t *testing.T) {
	ops := walfile.NewMem()
	dir := "/data"
	cat := newEmptyCatalog(t, ops, dir)

	writeWAL(t, ops, walfile.Join(dir, "pwal_0000.1000.1"), 5,
		ledger.NormalEntry(1, "a", []byte("1"), ledger.WriteVersion{Major: 5, Minor: 0}),
		ledger.RemoveEntry(1, "a", ledger.WriteVersion{Major: 5, Minor: 1}),
	)
	writeWAL(t, ops, walfile.Join(dir, "pwal_0000.2000.1"), 6,
		ledger.NormalEntry(1, "a", []byte("2"), ledger.WriteVersion{Major: 6, Minor: 0}),
	)

	eng := New(Deps{
		Ops:               ops,
		Dir:               dir,
		RotateAllChannels: func() error { return nil },
		ListRotatedWAL: func() ([]string, error) {
			return []string{
				walfile.Join(dir, "pwal_0000.1000.1"),
				walfile.Join(dir, "pwal_0000.2000.1"),
			}, nil
		},
		Catalog: cat,
	})

	result, err := eng.Compact(6)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	data, err := ops.ReadFile(walfile.Join(dir, result.CompactedFile))
	if err != nil {
		t.Fatalf("reading compacted file: %v", err)
	}
	entries, err := logscan.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "a" || string(entries[0].Value) != "2" {
		t.Fatalf("expected single live entry a=2, got %+v", entries)
	}
}

// Compacting a compacted database with no new writes must reproduce the
// same compacted file bytes.
func TestCompactIsIdempotent(t *testing.T) {
	ops := walfile.NewMem()
	dir := "/data"
	cat := newEmptyCatalog(t, ops, dir)

	writeWAL(t, ops, walfile.Join(dir, "pwal_0000.1000.1"), 1,
		ledger.NormalEntry(1, "k1", []byte("v1"), ledger.WriteVersion{Major: 1, Minor: 0}),
	)

	eng := New(Deps{
		Ops:               ops,
		Dir:               dir,
		RotateAllChannels: func() error { return nil },
		ListRotatedWAL: func() ([]string, error) {
			return []string{walfile.Join(dir, "pwal_0000.1000.1")}, nil
		},
		Catalog: cat,
	})

	first, err := eng.Compact(1)
	if err != nil {
		t.Fatalf("first Compact: %v", err)
	}
	firstBytes, err := ops.ReadFile(walfile.Join(dir, first.CompactedFile))
	if err != nil {
		t.Fatalf("reading first compacted file: %v", err)
	}

	// Second compaction: no new rotated files beyond what's already
	// detached, but the prior compacted file is re-read as the base.
	second, err := eng.Compact(1)
	if err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	secondBytes, err := ops.ReadFile(walfile.Join(dir, second.CompactedFile))
	if err != nil {
		t.Fatalf("reading second compacted file: %v", err)
	}
	if string(firstBytes) != string(secondBytes) {
		t.Fatalf("expected idempotent compaction to produce identical bytes")
	}
}

func TestCompactRejectsRotationFailure(t *testing.T) {
	ops := walfile.NewMem()
	dir := "/data"
	cat := newEmptyCatalog(t, ops, dir)

	eng := New(Deps{
		Ops:               ops,
		Dir:               dir,
		RotateAllChannels: func() error { return errRotationFailed },
		ListRotatedWAL:    func() ([]string, error) { return nil, nil },
		Catalog:           cat,
	})

	if _, err := eng.Compact(1); err == nil {
		t.Fatalf("expected Compact to fail when the rotation barrier fails")
	}
}

var errRotationFailed = errTest("rotation barrier failed")

type errTest string

func (e errTest) Error() string { return string(e) }
