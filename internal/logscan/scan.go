// Package logscan implements the recovery pass: validating
// the manifest, scanning every WAL file with bounded parallelism, honoring
// invalidated regions, and materializing a snapshot of the latest
// non-tombstone value for every (storage, key) at or below the durable
// ceiling.
package logscan

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// ManifestChecker validates and, if necessary, migrates the on-disk
// manifest before recovery proceeds. internal/manifest supplies the real
// implementation; this seam lets logscan be tested without it.
type ManifestChecker interface {
	CheckAndMigrate(dir string) error
}

// Result is the outcome of a recovery pass.
type Result struct {
	// Ceiling is the highest epoch whose durable marker was found in the
	// epoch file — the recovery cutoff.
	Ceiling ledger.EpochID
	// Entries is the materialized snapshot, sorted by (storage, key).
	Entries []ledger.SnapshotEntry
}

// Recover runs the full recovery pass and writes the resulting snapshot to
// snapshotPath via an atomic temp-then-rename write.
func Recover(ops walfile.Ops, manifestDir string, manifest ManifestChecker, epochFilePath string, walPaths []string, maxParallel int, snapshotPath string) (*Result, error) {
	if err := manifest.CheckAndMigrate(manifestDir); err != nil {
		return nil, fmt.Errorf("logscan: manifest check failed: %w", err)
	}

	ceiling, err := logchannel.ReadLastDurableEpoch(ops, epochFilePath)
	if err != nil {
		return nil, fmt.Errorf("logscan: reading epoch file: %w", err)
	}

	var mu sync.Mutex
	var all []ledger.LogEntry

	g := new(errgroup.Group)
	if maxParallel > 0 {
		g.SetLimit(maxParallel)
	}
	for _, path := range walPaths {
		path := path
		g.Go(func() error {
			entries, err := scanFile(ops, path)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, entries...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Read errors on any file abort recovery entirely: the engine
		// treats the database as corrupted and refuses to open.
		return nil, fmt.Errorf("logscan: recovery aborted: %w", err)
	}

	snapshot := materialize(all, ceiling)

	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("logscan: encoding snapshot: %w", err)
	}
	if err := walfile.AtomicWriteFile(ops, snapshotPath, data, 0644); err != nil {
		return nil, fmt.Errorf("logscan: writing snapshot: %w", err)
	}

	return &Result{Ceiling: ceiling, Entries: snapshot}, nil
}

// scanFile streams one WAL file's entries, discarding any region following
// a marker_invalidated_begin and any region that never reaches its
// marker_end (including one truncated by a clean or partial EOF).
func scanFile(ops walfile.Ops, path string) ([]ledger.LogEntry, error) {
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
			// Clean end of file, or a truncated trailing record: either
			// way, an in-progress region without its marker_end is
			// already being withheld below, so nothing further to do.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("logscan: %s: %w", path, err)
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
			// Only meaningful in the epoch file; ignored here.
		default:
			if valid {
				region = append(region, entry)
			}
		}
	}

	return results, nil
}

// materialize groups data entries by (storage, key), keeps the entry with
// the greatest write version at or below ceiling, and drops keys whose
// winning entry is a tombstone.
func materialize(entries []ledger.LogEntry, ceiling ledger.EpochID) []ledger.SnapshotEntry {
	winners := make(map[ledger.Key]ledger.LogEntry)
	for _, e := range entries {
		if !e.Kind.IsData() {
			continue
		}
		if e.WriteVersion.Major > ceiling {
			continue
		}
		key := e.EntryKey()
		if cur, ok := winners[key]; !ok || cur.WriteVersion.Compare(e.WriteVersion) < 0 {
			winners[key] = e
		}
	}

	out := make([]ledger.SnapshotEntry, 0, len(winners))
	for _, e := range winners {
		if e.Kind == ledger.EntryRemove {
			continue
		}
		out = append(out, ledger.SnapshotEntry{
			Storage:      e.Storage,
			Key:          e.Key,
			Value:        e.Value,
			WriteVersion: e.WriteVersion,
			BlobIDs:      e.BlobIDs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Storage != out[j].Storage {
			return out[i].Storage < out[j].Storage
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// EncodeSnapshot renders a materialized snapshot using the same on-disk
// record framing as log channels, sequentially concatenated with no outer index.
func EncodeSnapshot(entries []ledger.SnapshotEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, se := range entries {
		var le ledger.LogEntry
		if len(se.BlobIDs) > 0 {
			le = ledger.NormalWithBlobEntry(se.Storage, se.Key, se.Value, se.WriteVersion, se.BlobIDs)
		} else {
			le = ledger.NormalEntry(se.Storage, se.Key, se.Value, se.WriteVersion)
		}
		encoded, err := logchannel.Encode(le)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot previously written by EncodeSnapshot.
func DecodeSnapshot(data []byte) ([]ledger.SnapshotEntry, error) {
	r := bytes.NewReader(data)
	var out []ledger.SnapshotEntry
	for {
		e, err := logchannel.Decode(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.SnapshotEntry{
			Storage:      e.Storage,
			Key:          e.Key,
			Value:        e.Value,
			WriteVersion: e.WriteVersion,
			BlobIDs:      e.BlobIDs,
		})
	}
	return out, nil
}
