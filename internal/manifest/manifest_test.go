package manifest

import (
	"encoding/json"
	"testing"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
)

func TestCreateInitialThenCheckAndMigrateIsNoop(t *testing.T) {
	m := walfile.NewMem()
	if err := CreateInitial(m, "/data"); err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	if err := CheckAndMigrate(m, "/data"); err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}
}

func TestCheckAndMigrateMissingManifestIsFatal(t *testing.T) {
	m := walfile.NewMem()
	err := CheckAndMigrate(m, "/data")
	if err == nil {
		t.Fatal("expected an error for a directory with no manifest")
	}
	if _, ok := err.(*FormatError); !ok {
		t.Fatalf("expected *FormatError, got %T: %v", err, err)
	}
}

func TestCheckAndMigratePromotesBackupWhenPrimaryMissing(t *testing.T) {
	m := walfile.NewMem()
	doc := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion}
	data, _ := json.Marshal(doc)
	if err := m.WriteFile(walfile.Join("/data", backupFileName), data, 0644); err != nil {
		t.Fatalf("WriteFile backup: %v", err)
	}

	if err := CheckAndMigrate(m, "/data"); err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}
	if !walfile.Exists(m, walfile.Join("/data", fileName)) {
		t.Fatal("expected the backup to be promoted to the primary path")
	}
}

func TestCheckAndMigrateRemovesStaleBackupWhenBothPresent(t *testing.T) {
	m := walfile.NewMem()
	if err := CreateInitial(m, "/data"); err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	stale := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion}
	data, _ := json.Marshal(stale)
	if err := m.WriteFile(walfile.Join("/data", backupFileName), data, 0644); err != nil {
		t.Fatalf("WriteFile backup: %v", err)
	}

	if err := CheckAndMigrate(m, "/data"); err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}
	if walfile.Exists(m, walfile.Join("/data", backupFileName)) {
		t.Fatal("expected the stale backup to be removed")
	}
}

func TestCheckAndMigrateRejectsNewerPersistentFormat(t *testing.T) {
	m := walfile.NewMem()
	doc := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion + 1}
	data, _ := json.Marshal(doc)
	if err := m.WriteFile(walfile.Join("/data", fileName), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := CheckAndMigrate(m, "/data")
	if err == nil {
		t.Fatal("expected an error for a persistent_format_version newer than this build supports")
	}
}

func TestCheckAndMigrateMigratesOlderFormat(t *testing.T) {
	m := walfile.NewMem()
	doc := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion - 1}
	data, _ := json.Marshal(doc)
	if err := m.WriteFile(walfile.Join("/data", fileName), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := CheckAndMigrate(m, "/data"); err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}

	reRead, err := m.ReadFile(walfile.Join("/data", fileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var migrated Document
	if err := json.Unmarshal(reRead, &migrated); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if migrated.PersistentFormatVersion != PersistentFormatVersion {
		t.Fatalf("PersistentFormatVersion = %d, want %d", migrated.PersistentFormatVersion, PersistentFormatVersion)
	}
	if walfile.Exists(m, walfile.Join("/data", backupFileName)) {
		t.Fatal("migration must remove its backup file on success")
	}
}

func TestCheckerSatisfiesCheckAndMigrate(t *testing.T) {
	m := walfile.NewMem()
	if err := CreateInitial(m, "/data"); err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	c := Checker{Ops: m}
	if err := c.CheckAndMigrate("/data"); err != nil {
		t.Fatalf("Checker.CheckAndMigrate: %v", err)
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	l1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer l1.Release()

	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("expected a second AcquireLock on the same dir to fail")
	}
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
