// Package catalog implements the compaction catalog: a small textual index
// of compacted files, detached WAL files, and the max epoch observed at
// the last compaction, with a primary+backup pair so a crash
// mid-write never loses the previous catalog.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

func openWriteTruncFlags() int {
	return os.O_CREATE | os.O_WRONLY | os.O_TRUNC
}

const (
	headerLine         = "LEDGERSTORE_COMPACTION_CATALOG_HEADER"
	footerLine         = "LEDGERSTORE_COMPACTION_CATALOG_FOOTER"
	compactedFileKey   = "COMPACTED_FILE"
	detachedPwalKey    = "DETACHED_PWAL"
	maxEpochIDKey      = "MAX_EPOCH_ID"
	catalogFileName    = "compaction_catalog"
	catalogBackupName  = "compaction_catalog.back"
)

// ParseError reports a malformed catalog file.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog: %s: %s", e.Path, e.Reason)
}

// CompactedFile names one compacted output and the schema version it was
// written under.
type CompactedFile struct {
	Name    string
	Version int
}

// Catalog is the parsed, in-memory form of the compaction catalog.
type Catalog struct {
	dir            string
	MaxEpochID     ledger.EpochID
	CompactedFiles []CompactedFile
	DetachedPwals  []string
}

func primaryPath(dir string) string { return walfile.Join(dir, catalogFileName) }
func backupPath(dir string) string  { return walfile.Join(dir, catalogBackupName) }

// Load reads the catalog for dir. On a primary parse failure it falls back
// to the backup file; if the backup parses, it is promoted to primary via
// rename. A missing primary with no backup yields an empty catalog
// (first compaction ever).
func Load(ops walfile.Ops, dir string) (*Catalog, error) {
	primary := primaryPath(dir)

	data, err := ops.ReadFile(primary)
	if err == nil {
		cat, parseErr := parse(primary, data)
		if parseErr == nil {
			cat.dir = dir
			return cat, nil
		}
		return loadFromBackup(ops, dir, parseErr)
	}
	if walfile.IsNotExist(err) {
		if walfile.Exists(ops, backupPath(dir)) {
			return loadFromBackup(ops, dir, &ParseError{Path: primary, Reason: "primary missing"})
		}
		return &Catalog{dir: dir}, nil
	}
	return nil, err
}

func loadFromBackup(ops walfile.Ops, dir string, primaryErr error) (*Catalog, error) {
	backup := backupPath(dir)
	data, err := ops.ReadFile(backup)
	if err != nil {
		return nil, fmt.Errorf("catalog: primary load failed (%v) and backup unavailable: %w", primaryErr, err)
	}
	cat, err := parse(backup, data)
	if err != nil {
		return nil, fmt.Errorf("catalog: primary load failed (%v) and backup also invalid: %w", primaryErr, err)
	}
	cat.dir = dir

	primary := primaryPath(dir)
	if walfile.Exists(ops, primary) {
		if err := ops.Remove(primary); err != nil {
			return nil, fmt.Errorf("catalog: removing corrupt primary during backup promotion: %w", err)
		}
	}
	if err := ops.Rename(backup, primary); err != nil {
		return nil, fmt.Errorf("catalog: promoting backup to primary: %w", err)
	}
	return cat, nil
}

func parse(path string, data []byte) (*Catalog, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || lines[0] != headerLine {
		return nil, &ParseError{Path: path, Reason: "missing or invalid header line"}
	}

	cat := &Catalog{}
	maxEpochFound := false
	footerFound := false

	for _, line := range lines[1:] {
		if line == footerLine {
			footerFound = true
			break
		}
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case compactedFileKey:
			if len(fields) != 3 {
				return nil, &ParseError{Path: path, Reason: "invalid COMPACTED_FILE line: " + line}
			}
			version, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, &ParseError{Path: path, Reason: "invalid COMPACTED_FILE version: " + line}
			}
			cat.CompactedFiles = append(cat.CompactedFiles, CompactedFile{Name: fields[1], Version: version})
		case detachedPwalKey:
			if len(fields) != 2 {
				return nil, &ParseError{Path: path, Reason: "invalid DETACHED_PWAL line: " + line}
			}
			cat.DetachedPwals = append(cat.DetachedPwals, fields[1])
		case maxEpochIDKey:
			if len(fields) != 2 {
				return nil, &ParseError{Path: path, Reason: "invalid MAX_EPOCH_ID line: " + line}
			}
			epoch, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, &ParseError{Path: path, Reason: "invalid MAX_EPOCH_ID value: " + line}
			}
			cat.MaxEpochID = ledger.EpochID(epoch)
			maxEpochFound = true
		default:
			return nil, &ParseError{Path: path, Reason: "unknown entry type: " + fields[0]}
		}
	}

	if !footerFound {
		return nil, &ParseError{Path: path, Reason: "missing footer line"}
	}
	if !maxEpochFound {
		return nil, &ParseError{Path: path, Reason: "MAX_EPOCH_ID entry not found"}
	}
	return cat, nil
}

// Update replaces the catalog's contents and writes it out: render to a
// buffer, rename the existing primary to backup, create the new primary,
// write + sync.
func (c *Catalog) Update(ops walfile.Ops, maxEpochID ledger.EpochID, compactedFiles []CompactedFile, detachedPwals []string) error {
	c.MaxEpochID = maxEpochID
	c.CompactedFiles = append([]CompactedFile(nil), compactedFiles...)
	c.DetachedPwals = append([]string(nil), detachedPwals...)

	content := c.render()

	primary := primaryPath(c.dir)
	backup := backupPath(c.dir)

	if walfile.Exists(ops, primary) {
		if err := ops.Remove(backup); err != nil && !walfile.IsNotExist(err) {
			return fmt.Errorf("catalog: clearing stale backup: %w", err)
		}
		if err := ops.Rename(primary, backup); err != nil {
			return fmt.Errorf("catalog: rotating primary to backup: %w", err)
		}
	}

	f, err := ops.Open(primary, openWriteTruncFlags(), 0644)
	if err != nil {
		return fmt.Errorf("catalog: opening new primary: %w", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return fmt.Errorf("catalog: writing primary: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("catalog: syncing primary: %w", err)
	}
	return f.Close()
}

func (c *Catalog) render() string {
	compacted := append([]CompactedFile(nil), c.CompactedFiles...)
	sort.Slice(compacted, func(i, j int) bool { return compacted[i].Name < compacted[j].Name })
	detached := append([]string(nil), c.DetachedPwals...)
	sort.Strings(detached)

	var b strings.Builder
	b.WriteString(headerLine)
	b.WriteByte('\n')
	for _, cf := range compacted {
		fmt.Fprintf(&b, "%s %s %d\n", compactedFileKey, cf.Name, cf.Version)
	}
	for _, pwal := range detached {
		fmt.Fprintf(&b, "%s %s\n", detachedPwalKey, pwal)
	}
	fmt.Fprintf(&b, "%s %d\n", maxEpochIDKey, uint64(c.MaxEpochID))
	b.WriteString(footerLine)
	b.WriteByte('\n')
	return b.String()
}

// IsCompacted reports whether name is already listed as a compacted file.
func (c *Catalog) IsCompacted(name string) bool {
	for _, cf := range c.CompactedFiles {
		if cf.Name == name {
			return true
		}
	}
	return false
}
