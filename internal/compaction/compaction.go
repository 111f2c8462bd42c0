// Package compaction implements the compaction engine: it
// rotates every log channel behind a barrier, selects the rotated WAL
// files not yet folded into a compacted image, merges them by key with
// write-version tie-breaking, emits a new compacted file, rewrites the
// catalog, and schedules BLOB garbage collection over the result.
package compaction

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/beaver-ledger/ledgerstore/internal/blobgc"
	"github.com/beaver-ledger/ledgerstore/internal/catalog"
	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/internal/logscan"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// GCScheduler is the subset of internal/blobgc's Collector a compaction
// needs: kick off a scan/cleanup cycle over the BLOB ids still referenced
// after this compaction.
type GCScheduler interface {
	ScanBlobFiles(maxID ledger.BlobID) error
	ScanSnapshot(mode blobgc.ScanMode, ids []ledger.BlobID) error
	FinalizeScanAndCleanup() (int, error)
}

// Deps collects compaction's external collaborators. All fields are
// required except GC, which may be nil to skip GC scheduling (e.g. in
// tests that only check the merge/emit/catalog path).
type Deps struct {
	Ops walfile.Ops
	Dir string

	// RotateAllChannels requests every log channel to rotate its active
	// file and blocks until each has produced an immutable rotated file
	// strictly past the cutoff epoch (the rotation barrier). Supplied by
	// the datastore, which owns the channel set.
	RotateAllChannels func() error

	// ListRotatedWAL returns the full paths of every rotated pwal_* file
	// currently on disk.
	ListRotatedWAL func() ([]string, error)

	Catalog *catalog.Catalog

	// MaxExistingBlobID returns the highest BLOB id the datastore has
	// ever allocated, the ceiling ScanBlobFiles uses for candidate
	// collection.
	MaxExistingBlobID func() ledger.BlobID

	// GC schedules BLOB garbage collection over this compaction's result.
	// May be left nil to skip GC scheduling entirely.
	GC GCScheduler
}

// Engine runs at most one compaction at a time.
type Engine struct {
	mu   sync.Mutex
	deps Deps
}

// New constructs a compaction Engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Result summarizes one completed compaction.
type Result struct {
	CompactedFile string
	Version       int
	MaxEpochID    ledger.EpochID
	KeysMerged    int
	DetachedWAL   []string
}

// compactedFileName is the single merged compacted image, taking channel
// 0's compacted slot since this engine merges all channels into one
// image. The catalog's version field, not the file name, distinguishes
// successive compactions.
const compactedFileName = "pwal_0000.compacted"

// Compact runs one full compaction cycle: barrier, selection, merge,
// atomic emit, catalog update, and GC scheduling. maxEpochID is the
// highest epoch this compaction should be credited with observing — the
// caller typically derives it from the epoch coordinator's durable
// watermark just after the rotation barrier completes.
func (e *Engine) Compact(maxEpochID ledger.EpochID) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.deps.RotateAllChannels(); err != nil {
		return nil, fmt.Errorf("compaction: rotation barrier: %w", err)
	}

	rotated, err := e.deps.ListRotatedWAL()
	if err != nil {
		return nil, fmt.Errorf("compaction: listing rotated WAL: %w", err)
	}

	selected := make([]string, 0, len(rotated))
	alreadyDetached := make(map[string]bool, len(e.deps.Catalog.DetachedPwals))
	for _, name := range e.deps.Catalog.DetachedPwals {
		alreadyDetached[name] = true
	}
	for _, path := range rotated {
		name := filepath.Base(path)
		if e.deps.Catalog.IsCompacted(name) || alreadyDetached[name] {
			continue
		}
		selected = append(selected, path)
	}
	sort.Strings(selected)

	var baseEntries []ledger.SnapshotEntry
	for _, cf := range e.deps.Catalog.CompactedFiles {
		data, err := e.deps.Ops.ReadFile(walfile.Join(e.deps.Dir, cf.Name))
		if err != nil {
			return nil, fmt.Errorf("compaction: reading prior compacted file %s: %w", cf.Name, err)
		}
		entries, err := logscan.DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("compaction: decoding prior compacted file %s: %w", cf.Name, err)
		}
		baseEntries = append(baseEntries, entries...)
	}

	var walEntries []ledger.LogEntry
	for _, path := range selected {
		entries, err := scanWAL(e.deps.Ops, path)
		if err != nil {
			return nil, fmt.Errorf("compaction: scanning %s: %w", path, err)
		}
		walEntries = append(walEntries, entries...)
	}

	merged := merge(baseEntries, walEntries)

	data, err := logscan.EncodeSnapshot(merged)
	if err != nil {
		return nil, fmt.Errorf("compaction: encoding compacted output: %w", err)
	}

	version := nextVersion(e.deps.Catalog.CompactedFiles)
	compactedName := compactedFileName
	if err := walfile.AtomicWriteFile(e.deps.Ops, walfile.Join(e.deps.Dir, compactedName), data, 0644); err != nil {
		return nil, fmt.Errorf("compaction: writing compacted file: %w", err)
	}

	detached := make([]string, 0, len(alreadyDetached)+len(selected))
	for name := range alreadyDetached {
		detached = append(detached, name)
	}
	for _, path := range selected {
		detached = append(detached, filepath.Base(path))
	}

	if err := e.deps.Catalog.Update(e.deps.Ops, maxEpochID, []catalog.CompactedFile{{Name: compactedName, Version: version}}, detached); err != nil {
		return nil, fmt.Errorf("compaction: updating catalog: %w", err)
	}

	referenced := referencedBlobIDs(merged)
	if e.deps.GC != nil {
		maxBlob := ledger.BlobID(0)
		if e.deps.MaxExistingBlobID != nil {
			maxBlob = e.deps.MaxExistingBlobID()
		}
		if err := e.deps.GC.ScanBlobFiles(maxBlob); err != nil {
			return nil, fmt.Errorf("compaction: scheduling GC blob scan: %w", err)
		}
		if err := e.deps.GC.ScanSnapshot(blobgc.ScanModeInternal, referenced); err != nil {
			return nil, fmt.Errorf("compaction: scheduling GC snapshot scan: %w", err)
		}
		if _, err := e.deps.GC.FinalizeScanAndCleanup(); err != nil {
			return nil, fmt.Errorf("compaction: GC cleanup: %w", err)
		}
	}

	return &Result{
		CompactedFile: compactedName,
		Version:       version,
		MaxEpochID:    maxEpochID,
		KeysMerged:    len(merged),
		DetachedWAL:   detached,
	}, nil
}

func nextVersion(existing []catalog.CompactedFile) int {
	max := 0
	for _, cf := range existing {
		if cf.Version > max {
			max = cf.Version
		}
	}
	return max + 1
}

// scanWAL parses one rotated WAL file, honoring marker_begin/marker_end
// brackets and marker_invalidated_begin the same way internal/logscan
// does for recovery — compaction reads the identical on-disk framing.
func scanWAL(ops walfile.Ops, path string) ([]ledger.LogEntry, error) {
	data, err := ops.ReadFile(path)
	if err != nil {
		return nil, &logchannel.IOError{Op: "read", Path: path, Err: err}
	}
	r := bytes.NewReader(data)
	var results []ledger.LogEntry
	var region []ledger.LogEntry
	valid := false
	for {
		entry, err := logchannel.Decode(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch entry.Kind {
		case ledger.EntryMarkerBegin:
			valid = true
			region = region[:0]
		case ledger.EntryMarkerInvalidatedBegin:
			valid = false
			region = region[:0]
		case ledger.EntryMarkerEnd:
			if valid {
				results = append(results, region...)
			}
			region = nil
			valid = false
		case ledger.EntryMarkerDurable:
		default:
			if valid {
				region = append(region, entry)
			}
		}
	}
	return results, nil
}

// merge combines the entries already present in a prior compacted file
// with freshly scanned WAL entries, keeping for each (storage, key) the
// entry with the greatest write version, dropping tombstones and
// storage-lifecycle records: the compacted format carries normal and
// blob-carrying entries only.
func merge(base []ledger.SnapshotEntry, fresh []ledger.LogEntry) []ledger.SnapshotEntry {
	type winner struct {
		wv    ledger.WriteVersion
		entry ledger.SnapshotEntry
		tomb  bool
	}
	winners := make(map[ledger.Key]winner)

	for _, se := range base {
		key := ledger.Key{Storage: se.Storage, Key: se.Key}
		winners[key] = winner{wv: se.WriteVersion, entry: se}
	}
	for _, e := range fresh {
		if !e.Kind.IsData() {
			continue
		}
		key := e.EntryKey()
		cur, ok := winners[key]
		if ok && cur.wv.Compare(e.WriteVersion) >= 0 {
			continue
		}
		if e.Kind == ledger.EntryRemove {
			winners[key] = winner{wv: e.WriteVersion, tomb: true}
			continue
		}
		winners[key] = winner{
			wv: e.WriteVersion,
			entry: ledger.SnapshotEntry{
				Storage:      e.Storage,
				Key:          e.Key,
				Value:        e.Value,
				WriteVersion: e.WriteVersion,
				BlobIDs:      e.BlobIDs,
			},
		}
	}

	out := make([]ledger.SnapshotEntry, 0, len(winners))
	for _, w := range winners {
		if w.tomb {
			continue
		}
		out = append(out, w.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Storage != out[j].Storage {
			return out[i].Storage < out[j].Storage
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func referencedBlobIDs(entries []ledger.SnapshotEntry) []ledger.BlobID {
	var ids []ledger.BlobID
	for _, e := range entries {
		ids = append(ids, e.BlobIDs...)
	}
	return ids
}
