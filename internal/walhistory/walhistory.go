// Package walhistory implements the WAL rotation-history file: an
// append-only sequence of fixed-size records
// marking every rotation/branch point, used by replicas to check
// compatibility with a primary's log lineage.
package walhistory

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

const (
	fileName    = "wal_history"
	tmpFileName = "wal_history.tmp"

	// RecordSize is the fixed on-disk size of one record: epoch (8) +
	// identity (8) + unix timestamp (8), all big-endian.
	RecordSize = 24
)

// Record is one parsed wal_history entry.
type Record struct {
	Epoch     ledger.EpochID
	Identity  uint64
	Timestamp int64
}

// History manages the wal_history file under dir.
type History struct {
	ops walfile.Ops
	dir string
}

// New constructs a History rooted at dir.
func New(ops walfile.Ops, dir string) *History {
	return &History{ops: ops, dir: dir}
}

func (h *History) path() string    { return walfile.Join(h.dir, fileName) }
func (h *History) tmpPath() string { return walfile.Join(h.dir, tmpFileName) }

func encodeRecord(r Record) []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Epoch))
	binary.BigEndian.PutUint64(buf[8:16], r.Identity)
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
	return buf
}

func decodeRecord(buf []byte) Record {
	return Record{
		Epoch:     ledger.EpochID(binary.BigEndian.Uint64(buf[0:8])),
		Identity:  binary.BigEndian.Uint64(buf[8:16]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// readAll reads every record currently on disk, returning an empty slice
// (not an error) if the file does not exist yet.
func (h *History) readAll() ([]Record, error) {
	data, err := h.ops.ReadFile(h.path())
	if walfile.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("walhistory: reading %s: %w", h.path(), err)
	}
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("walhistory: %s: partial trailing record (%d bytes)", h.path(), len(data)%RecordSize)
	}
	out := make([]Record, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		out = append(out, decodeRecord(data[off:off+RecordSize]))
	}
	return out, nil
}

// identityFromUUID derives the 8-byte identity field from the first 8
// bytes of a random UUID.
func identityFromUUID(u uuid.UUID) uint64 {
	var identity uint64
	for i := 0; i < 8; i++ {
		identity = (identity << 8) | uint64(u[i])
	}
	return identity
}

// Append reads the current record set, adds one new record for epoch with
// a fresh random identity and the current wall-clock time, and replaces
// the file via write-temp-then-rename.
func (h *History) Append(epoch ledger.EpochID) error {
	records, err := h.readAll()
	if err != nil {
		return err
	}
	records = append(records, Record{
		Epoch:     epoch,
		Identity:  identityFromUUID(uuid.New()),
		Timestamp: time.Now().Unix(),
	})

	buf := make([]byte, 0, len(records)*RecordSize)
	for _, r := range records {
		buf = append(buf, encodeRecord(r)...)
	}

	tmp := h.tmpPath()
	f, err := h.ops.Open(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("walhistory: opening %s: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("walhistory: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("walhistory: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("walhistory: closing %s: %w", tmp, err)
	}
	if err := h.ops.Rename(tmp, h.path()); err != nil {
		return fmt.Errorf("walhistory: renaming %s to %s: %w", tmp, h.path(), err)
	}
	return nil
}

// List returns every appended record in order.
func (h *History) List() ([]Record, error) {
	return h.readAll()
}
