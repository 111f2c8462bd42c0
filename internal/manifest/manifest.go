// Package manifest implements the datastore's format-identifying manifest
// file: a small JSON document naming the on-disk format
// version, with a backup copy that survives a crash mid-write and an
// in-place migration path for older persistent-format versions.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/gofrs/flock"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
)

const (
	fileName       = "limestone-manifest.json"
	backupFileName = "limestone-manifest.json.back"

	// FormatVersion is the string recorded in every manifest this engine
	// writes.
	FormatVersion = "1.0"
	// PersistentFormatVersion is the current on-disk record format. Any
	// manifest whose persistent_format_version is neither this value nor
	// a smaller, migratable one is a fatal incompatibility.
	PersistentFormatVersion = 4
)

// VersionErrorPrefix prefixes the error message for an unsupported
// persistent format version so operators hitting it in the wild can find
// the matching upgrade guide.
const VersionErrorPrefix = "ledgerstore: unsupported dbdir persistent format version"

// Document is the on-disk JSON shape of the manifest.
type Document struct {
	FormatVersion           string `json:"format_version"`
	PersistentFormatVersion int    `json:"persistent_format_version"`
}

// FormatError reports a manifest that failed to parse or that names an
// unsupported persistent_format_version.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("manifest: %s: %s", e.Path, e.Reason)
}

func primaryPath(dir string) string { return walfile.Join(dir, fileName) }
func backupPath(dir string) string  { return walfile.Join(dir, backupFileName) }

// CreateInitial writes a fresh manifest at the current format versions.
// Used when opening a brand-new, empty log directory.
func CreateInitial(ops walfile.Ops, dir string) error {
	doc := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return ops.WriteFile(primaryPath(dir), data, 0644)
}

// Checker implements logscan.ManifestChecker against the real file system.
type Checker struct {
	Ops walfile.Ops
}

// CheckAndMigrate satisfies logscan.ManifestChecker.
func (c Checker) CheckAndMigrate(dir string) error {
	return CheckAndMigrate(c.Ops, dir)
}

// CheckAndMigrate validates the manifest in dir and performs recovery or
// migration as needed:
//
//   - both primary and backup present: the backup is stale crash residue
//     from an in-flight migration and is removed.
//   - only the backup present: the primary never made it to disk; the
//     backup is promoted.
//   - primary present, no backup: normal case; validate, migrate if the
//     persistent_format_version is an older supported value.
//   - neither present: fatal — recovery cannot proceed without a manifest.
func CheckAndMigrate(ops walfile.Ops, dir string) error {
	primary := primaryPath(dir)
	backup := backupPath(dir)

	primaryExists := walfile.Exists(ops, primary)
	backupExists := walfile.Exists(ops, backup)

	switch {
	case primaryExists && backupExists:
		if err := ops.Remove(backup); err != nil && !walfile.IsNotExist(err) {
			return fmt.Errorf("manifest: removing stale backup: %w", err)
		}
	case !primaryExists && backupExists:
		if err := ops.Rename(backup, primary); err != nil {
			return fmt.Errorf("manifest: promoting backup to primary: %w", err)
		}
	case !primaryExists && !backupExists:
		return &FormatError{Path: primary, Reason: "manifest missing"}
	}

	doc, err := load(ops, primary)
	if err != nil {
		return err
	}

	if doc.PersistentFormatVersion == PersistentFormatVersion {
		return nil
	}
	if doc.PersistentFormatVersion > PersistentFormatVersion {
		return &FormatError{
			Path:   primary,
			Reason: fmt.Sprintf("%s: %d", VersionErrorPrefix, doc.PersistentFormatVersion),
		}
	}
	return migrate(ops, dir, doc)
}

func load(ops walfile.Ops, path string) (*Document, error) {
	data, err := ops.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{Path: path, Reason: "invalid JSON: " + err.Error()}
	}
	if doc.FormatVersion == "" {
		return nil, &FormatError{Path: path, Reason: "missing format_version"}
	}
	return &doc, nil
}

// migrate rewrites the manifest at the current persistent format version,
// using a rename-old-to-backup/write-new/remove-backup sequence so a
// crash mid-migration still leaves a loadable manifest
// (the backup, promoted on the next CheckAndMigrate).
func migrate(ops walfile.Ops, dir string, old *Document) error {
	primary := primaryPath(dir)
	backup := backupPath(dir)

	if err := ops.Rename(primary, backup); err != nil {
		return fmt.Errorf("manifest: migration: renaming old to backup: %w", err)
	}

	doc := Document{FormatVersion: FormatVersion, PersistentFormatVersion: PersistentFormatVersion}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := ops.WriteFile(primary, data, 0644); err != nil {
		return fmt.Errorf("manifest: migration: writing new primary: %w", err)
	}
	if err := ops.Remove(backup); err != nil && !walfile.IsNotExist(err) {
		return fmt.Errorf("manifest: migration: removing backup: %w", err)
	}
	_ = old // retained for future migrations that branch on the prior version
	return nil
}

// Lock is an advisory, single-writer file lock on the manifest, held for
// the duration of the datastore's lifetime.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes an exclusive, non-blocking lock on dir's manifest
// file. It fails if another process already holds the lock.
func AcquireLock(dir string) (*Lock, error) {
	fl := flock.New(primaryPath(dir))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("manifest: acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("manifest: %s is already locked by another process", primaryPath(dir))
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call once; a second call is a no-op.
func (l *Lock) Release() error {
	if l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
