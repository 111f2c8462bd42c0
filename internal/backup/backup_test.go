package backup

import (
	"sort"
	"testing"
	"time"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
)

// A detailed backup from a datastore with two active channels must list
// the manifest (mutable), the rotated epoch file (immutable), both pwal
// files (immutable, rotated names), and the catalog (mutable); the
// active-epoch file must not appear.
func TestDetailedBackupFileSet(t *testing.T) {
	inv := Inventory{
		Dir:              "/data",
		ActiveEpochFile:  "epoch",
		RotatedEpochFile: "epoch.1700000000000.1",
		RotatedWAL:       []string{"pwal_0000.1700000000000.1", "pwal_0001.1700000000000.1"},
	}
	entries := DetailedBackup(inv)

	byDest := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byDest[e.DestinationPath] = e
	}

	if _, ok := byDest["epoch"]; ok {
		t.Fatalf("active epoch file must not be included in a backup set")
	}
	manifest, ok := byDest[manifestName]
	if !ok || !manifest.IsMutable {
		t.Fatalf("expected mutable manifest entry, got %+v ok=%v", manifest, ok)
	}
	cat, ok := byDest[catalogName]
	if !ok || !cat.IsMutable {
		t.Fatalf("expected mutable catalog entry, got %+v ok=%v", cat, ok)
	}
	epochEntry, ok := byDest["epoch.1700000000000.1"]
	if !ok || epochEntry.IsMutable {
		t.Fatalf("expected immutable rotated epoch entry, got %+v ok=%v", epochEntry, ok)
	}
	for _, name := range inv.RotatedWAL {
		e, ok := byDest[name]
		if !ok || e.IsMutable {
			t.Fatalf("expected immutable pwal entry %s, got %+v ok=%v", name, e, ok)
		}
	}
	if len(entries) != 5 {
		t.Fatalf("expected exactly 5 entries (manifest, catalog, epoch, 2 pwal), got %d: %+v", len(entries), entries)
	}
}

func TestStandardBackupExcludesActiveEpoch(t *testing.T) {
	inv := Inventory{
		ActiveEpochFile:  "epoch",
		RotatedEpochFile: "epoch.1700000000000.1",
		RotatedWAL:       []string{"pwal_0000.1700000000000.1"},
		CompactedFiles:   []string{"compacted.1"},
		BlobFiles:        []string{"blob/dir_01/0000000000001001.blob"},
	}
	fs := StandardBackup(inv)

	for _, name := range fs.Immutable {
		if name == "epoch" {
			t.Fatalf("active epoch file leaked into immutable set: %v", fs.Immutable)
		}
	}
	sort.Strings(fs.Mutable)
	if len(fs.Mutable) != 2 || fs.Mutable[0] != catalogName || fs.Mutable[1] != manifestName {
		t.Fatalf("expected manifest+catalog as mutable set, got %v", fs.Mutable)
	}
	wantImmutable := map[string]bool{
		"epoch.1700000000000.1":             true,
		"pwal_0000.1700000000000.1":         true,
		"compacted.1":                       true,
		"blob/dir_01/0000000000001001.blob": true,
	}
	if len(fs.Immutable) != len(wantImmutable) {
		t.Fatalf("expected %d immutable entries, got %d: %v", len(wantImmutable), len(fs.Immutable), fs.Immutable)
	}
	for _, name := range fs.Immutable {
		if !wantImmutable[name] {
			t.Fatalf("unexpected immutable entry %q", name)
		}
	}
}

// Restoring a captured backup into an empty log directory reproduces the
// same file set.
func TestRestoreRoundTrip(t *testing.T) {
	ops := walfile.NewMem()
	if err := ops.WriteFile("/src/limestone-manifest.json", []byte(`{"a":1}`), 0644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	if err := ops.WriteFile("/src/pwal_0000.1.1", []byte("wal-bytes"), 0644); err != nil {
		t.Fatalf("seed wal: %v", err)
	}

	status := Restore(ops, "/logdir", "/src", false)
	if status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}

	got, err := ops.ReadFile("/logdir/limestone-manifest.json")
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("manifest not restored: data=%q err=%v", got, err)
	}
	got, err = ops.ReadFile("/logdir/pwal_0000.1.1")
	if err != nil || string(got) != "wal-bytes" {
		t.Fatalf("wal file not restored: data=%q err=%v", got, err)
	}

	if _, err := ops.ReadFile("/src/limestone-manifest.json"); err == nil {
		t.Fatalf("expected source removed when keepBackup=false")
	}
}

func TestRestoreKeepsSourceWhenRequested(t *testing.T) {
	ops := walfile.NewMem()
	if err := ops.WriteFile("/src/limestone-manifest.json", []byte("data"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if status := Restore(ops, "/logdir", "/src", true); status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}
	if _, err := ops.ReadFile("/src/limestone-manifest.json"); err != nil {
		t.Fatalf("expected source kept when keepBackup=true: %v", err)
	}
}

func TestRestoreEntriesMissingSourceFails(t *testing.T) {
	ops := walfile.NewMem()
	status := RestoreEntries(ops, "/logdir", "/src", []RestoreEntry{
		{Source: "does-not-exist", Destination: "limestone-manifest.json"},
	})
	if status != StatusErrNotFound {
		t.Fatalf("expected StatusErrNotFound, got %v", status)
	}
}

func TestRestoreEntriesAbsoluteSource(t *testing.T) {
	ops := walfile.NewMem()
	if err := ops.WriteFile("/elsewhere/file.dat", []byte("payload"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	status := RestoreEntries(ops, "/logdir", "/src", []RestoreEntry{
		{Source: "/elsewhere/file.dat", Destination: "renamed.dat"},
	})
	if status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}
	got, err := ops.ReadFile("/logdir/renamed.dat")
	if err != nil || string(got) != "payload" {
		t.Fatalf("expected payload restored under renamed.dat: %q %v", got, err)
	}
}

func TestBeginBackupValidatesEpochRange(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)

	if _, err := sm.BeginBackup(10, 5, 0, 100, 0, nil); err == nil {
		t.Fatalf("expected error when begin_epoch >= end_epoch")
	}
	if _, err := sm.BeginBackup(10, 20, 10, 100, 0, nil); err == nil {
		t.Fatalf("expected error when begin_epoch <= snapshot_epoch")
	}
	if _, err := sm.BeginBackup(10, 200, 0, 100, 0, nil); err == nil {
		t.Fatalf("expected error when end_epoch > current_epoch")
	}
	if _, err := sm.BeginBackup(10, 20, 0, 100, 25, nil); err == nil {
		t.Fatalf("expected error when end_epoch <= boot_durable_epoch")
	}

	sess, err := sm.BeginBackup(10, 20, 0, 100, 5, nil)
	if err != nil {
		t.Fatalf("expected valid range to succeed: %v", err)
	}
	if sess.Token == "" {
		t.Fatalf("expected a non-empty session token")
	}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sm := NewSessionManager(time.Minute, clock)

	ops := walfile.NewMem()
	if err := ops.WriteFile("/data/limestone-manifest.json", []byte("manifest-bytes"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	objects := []Entry{{SourcePath: "/data/limestone-manifest.json", DestinationPath: manifestName}}

	sess, err := sm.BeginBackup(1, 5, 0, 10, 0, objects)
	if err != nil {
		t.Fatalf("BeginBackup: %v", err)
	}

	if !sm.KeepAlive(sess.Token) {
		t.Fatalf("expected KeepAlive to succeed for a live session")
	}
	if sm.KeepAlive("bogus-token") {
		t.Fatalf("expected KeepAlive to fail for an unknown token")
	}

	chunks, err := sm.GetObject(ops, sess.Token, []string{manifestName})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "manifest-bytes" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if !chunks[0].IsFirst || !chunks[0].IsLast {
		t.Fatalf("expected single-chunk whole-file transfer to be first and last")
	}

	if _, err := sm.GetObject(ops, "bogus-token", []string{manifestName}); err == nil {
		t.Fatalf("expected error for unknown session token")
	}

	sm.EndBackup(sess.Token)
	// Ending an unknown session is an idempotent no-op.
	sm.EndBackup(sess.Token)
	if _, err := sm.GetObject(ops, sess.Token, []string{manifestName}); err == nil {
		t.Fatalf("expected GetObject to fail after EndBackup")
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sm := NewSessionManager(time.Minute, clock)

	sess, err := sm.BeginBackup(1, 5, 0, 10, 0, nil)
	if err != nil {
		t.Fatalf("BeginBackup: %v", err)
	}

	now = now.Add(2 * time.Minute)
	sm.Sweep()

	if sm.KeepAlive(sess.Token) {
		t.Fatalf("expected session to have been swept after its TTL elapsed")
	}
}
