package logchannel

import (
	"bytes"
	"os"
	"sync"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// EpochFile writes the active epoch file: an append-only sequence of
// marker_durable(e) records where the last one is authoritative. It
// implements epoch.DurableWriter.
type EpochFile struct {
	mu   sync.Mutex
	ops  walfile.Ops
	path string
	file walfile.File
}

// OpenEpochFile opens (or creates) the epoch file at path.
func OpenEpochFile(ops walfile.Ops, path string) (*EpochFile, error) {
	f, err := ops.Open(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return &EpochFile{ops: ops, path: path, file: f}, nil
}

// WriteDurableMarker appends marker_durable(epoch) and fsyncs it. The
// epoch-file mutex is this type's own mu; the
// epoch coordinator additionally serializes calls with its own lock, so
// this mutex only matters if WriteDurableMarker is ever called directly.
func (f *EpochFile) WriteDurableMarker(epoch ledger.EpochID) error {
	encoded, err := Encode(ledger.MarkerDurable(epoch))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.Write(encoded); err != nil {
		return &IOError{Op: "write", Path: f.path, Err: err}
	}
	if err := f.file.Sync(); err != nil {
		return &IOError{Op: "sync", Path: f.path, Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (f *EpochFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Close(); err != nil {
		return &IOError{Op: "close", Path: f.path, Err: err}
	}
	return nil
}

// Rotate closes the active epoch file, renames it to newPath, and opens a
// fresh active file; rotated names follow epoch.<unix_millis>.<seq>.
func (f *EpochFile) Rotate(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Close(); err != nil {
		return &IOError{Op: "close", Path: f.path, Err: err}
	}
	if err := f.ops.Rename(f.path, newPath); err != nil {
		return &IOError{Op: "rename", Path: f.path, Err: err}
	}
	nf, err := f.ops.Open(f.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return &IOError{Op: "open", Path: f.path, Err: err}
	}
	f.file = nf
	return nil
}

// ReadLastDurableEpoch scans an epoch file end-to-end and returns the
// epoch of its last marker_durable record (0 if the file has none), used
// by recovery to establish the durability ceiling.
func ReadLastDurableEpoch(ops walfile.Ops, path string) (ledger.EpochID, error) {
	data, err := ops.ReadFile(path)
	if walfile.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &IOError{Op: "read", Path: path, Err: err}
	}

	var last ledger.EpochID
	r := bytes.NewReader(data)
	for {
		entry, err := Decode(r)
		if err != nil {
			break
		}
		if entry.Kind == ledger.EntryMarkerDurable {
			last = entry.Epoch
		}
	}
	return last, nil
}
