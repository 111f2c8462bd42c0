// Package logchannel implements the per-channel append-only log writer:
// sessions bracketed by marker_begin/marker_end, batched onto
// disk by a background writer so that many concurrent AddEntry calls pay
// for a single fsync.
package logchannel

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

func fileOpenFlags() int {
	return os.O_CREATE | os.O_APPEND | os.O_RDWR
}

// IOError wraps a failure from the file-ops layer.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("logchannel: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrChannelClosed is returned by BeginSession/AddEntry/EndSession once the
// channel has been closed or is mid-rotation.
var ErrChannelClosed = errors.New("logchannel: channel is closed")

// EpochCoordinator is the subset of *epoch.Coordinator a channel needs: it
// registers open sessions so the coordinator can compute the minimum
// open-session epoch.
type EpochCoordinator interface {
	BeginSession() (sessionID uint64, epoch ledger.EpochID)
	EndSession(sessionID uint64)
}

type appendRequest struct {
	entry ledger.LogEntry
	errCh chan error
}

// Channel is the writer side of a single pwal_<channel> file.
type Channel struct {
	mu   sync.Mutex // serializes file access; held by flushBatch, invalidate, Rotate and Close
	ops  walfile.Ops
	path string
	file walfile.File

	coord EpochCoordinator

	appendChan    chan appendRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool

	finishedEpoch atomic.Uint64
}

// Open creates or appends to the channel file at path, starting the
// background batch-commit writer.
func Open(ops walfile.Ops, path string, coord EpochCoordinator, bufferSize int, flushInterval time.Duration) (*Channel, error) {
	f, err := ops.Open(path, fileOpenFlags(), 0644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	c := &Channel{
		ops:           ops,
		path:          path,
		file:          f,
		coord:         coord,
		appendChan:    make(chan appendRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}
	c.wg.Add(1)
	go c.batchWriter()
	return c, nil
}

// Session is a begin_session/end_session bracket on a Channel. Entries
// added through a Session preserve append order; a Session must not be
// used from more than one goroutine concurrently.
type Session struct {
	ch        *Channel
	id        uint64
	epoch     ledger.EpochID
	minorSeq  uint64
	minorUsed bool
	ended     bool
}

// claimMinor enforces that minor is unique and strictly increasing within
// the session; equal write versions would make cross-entry reconciliation
// order non-deterministic.
func (s *Session) claimMinor(minor uint64) error {
	if s.minorUsed && minor <= s.minorSeq {
		return fmt.Errorf("logchannel: minor %d is not strictly increasing (last %d)", minor, s.minorSeq)
	}
	s.minorSeq = minor
	s.minorUsed = true
	return nil
}

// BeginSession captures the channel's currently switched epoch from the
// coordinator and writes marker_begin(epoch).
func (c *Channel) BeginSession() (*Session, error) {
	sid, epoch := c.coord.BeginSession()
	if err := c.append(ledger.MarkerBegin(epoch)); err != nil {
		c.coord.EndSession(sid)
		return nil, err
	}
	return &Session{ch: c, id: sid, epoch: epoch}, nil
}

// Epoch returns the epoch this session was begun under.
func (s *Session) Epoch() ledger.EpochID { return s.epoch }

// AddEntry appends a normal (or BLOB-carrying) key/value write. minor must
// be strictly greater than the last minor used in the session; otherwise
// AddEntry returns an error and appends nothing.
func (s *Session) AddEntry(storage ledger.StorageID, key string, value []byte, minor uint64, blobIDs []ledger.BlobID) error {
	if s.ended {
		return ErrChannelClosed
	}
	if err := s.claimMinor(minor); err != nil {
		return err
	}
	wv := ledger.WriteVersion{Major: s.epoch, Minor: minor}
	var entry ledger.LogEntry
	if len(blobIDs) > 0 {
		entry = ledger.NormalWithBlobEntry(storage, key, value, wv, blobIDs)
	} else {
		entry = ledger.NormalEntry(storage, key, value, wv)
	}
	return s.ch.append(entry)
}

// Remove appends a tombstone for (storage, key) at the given minor.
func (s *Session) Remove(storage ledger.StorageID, key string, minor uint64) error {
	if s.ended {
		return ErrChannelClosed
	}
	if err := s.claimMinor(minor); err != nil {
		return err
	}
	wv := ledger.WriteVersion{Major: s.epoch, Minor: minor}
	return s.ch.append(ledger.RemoveEntry(storage, key, wv))
}

// StorageLifecycle appends a clear/add/remove-storage record. kind must be
// one of EntryClearStorage, EntryAddStorage, EntryRemoveStorage.
func (s *Session) StorageLifecycle(kind ledger.EntryKind, storage ledger.StorageID, minor uint64) error {
	if s.ended {
		return ErrChannelClosed
	}
	if err := s.claimMinor(minor); err != nil {
		return err
	}
	wv := ledger.WriteVersion{Major: s.epoch, Minor: minor}
	return s.ch.append(ledger.LogEntry{Kind: kind, Storage: storage, WriteVersion: wv})
}

// End writes marker_end(epoch), releases the session's slot on the epoch
// coordinator, and advances the channel's finished-epoch watermark. Not
// necessarily fsync'd — durability is an epoch property, not a per-entry
// property.
func (s *Session) End() error {
	if s.ended {
		return nil
	}
	s.ended = true
	err := s.ch.append(ledger.MarkerEnd(s.epoch))
	s.ch.coord.EndSession(s.id)
	s.ch.advanceFinishedEpoch(s.epoch)
	return err
}

// FinishedEpoch returns the most recent epoch for which End has completed
// on this channel (its contribution to the coordinator's finished-epoch
// minimum).
func (c *Channel) FinishedEpoch() ledger.EpochID {
	return ledger.EpochID(c.finishedEpoch.Load())
}

func (c *Channel) advanceFinishedEpoch(e ledger.EpochID) {
	for {
		cur := c.finishedEpoch.Load()
		if ledger.EpochID(cur) >= e {
			return
		}
		if c.finishedEpoch.CompareAndSwap(cur, uint64(e)) {
			return
		}
	}
}

func (c *Channel) append(entry ledger.LogEntry) error {
	errCh := make(chan error, 1)
	select {
	case c.appendChan <- appendRequest{entry: entry, errCh: errCh}:
		err := <-errCh
		if err != nil {
			c.invalidate(entry)
		}
		return err
	case <-c.closed:
		return ErrChannelClosed
	}
}

// invalidate best-effort writes marker_invalidated_begin for the entry's
// epoch after an append failure. A
// secondary failure here is swallowed: the caller already has the
// original error to surface.
func (c *Channel) invalidate(failed ledger.LogEntry) {
	epoch := failed.Epoch
	if epoch == 0 && failed.WriteVersion.Major != 0 {
		epoch = failed.WriteVersion.Major
	}
	marker := ledger.MarkerInvalidatedBegin(epoch)
	encoded, err := Encode(marker)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.file.Write(encoded)
	_ = c.file.Sync()
}

func (c *Channel) batchWriter() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	batch := make([]appendRequest, 0, c.bufferSize)
	for {
		select {
		case req := <-c.appendChan:
			batch = append(batch, req)
			if len(batch) >= c.bufferSize {
				c.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				c.flushBatch(batch)
				batch = batch[:0]
			}
		case <-c.closed:
			// Drain requests that were enqueued before the close won the
			// select so no caller is left waiting on an unanswered errCh.
			for {
				select {
				case req := <-c.appendChan:
					batch = append(batch, req)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				c.flushBatch(batch)
			}
			return
		}
	}
}

func (c *Channel) flushBatch(batch []appendRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flushErr error
	for i := range batch {
		encoded, err := Encode(batch[i].entry)
		if err != nil {
			flushErr = err
			break
		}
		if _, err := c.file.Write(encoded); err != nil {
			flushErr = &IOError{Op: "write", Path: c.path, Err: err}
			break
		}
	}
	if flushErr == nil {
		if err := c.file.Sync(); err != nil {
			flushErr = &IOError{Op: "sync", Path: c.path, Err: err}
		}
	}
	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

// Rotate closes the active file, renames it to its immutable rotated name,
// and opens a fresh active file, restarting the batch writer. newPath is
// the rotated name to move the current file to.
func (c *Channel) Rotate(newPath string) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.isClosed = true
	c.mu.Unlock()

	close(c.closed)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.file.Close(); err != nil {
		return &IOError{Op: "close", Path: c.path, Err: err}
	}
	if err := c.ops.Rename(c.path, newPath); err != nil {
		return &IOError{Op: "rename", Path: c.path, Err: err}
	}
	f, err := c.ops.Open(c.path, fileOpenFlags(), 0644)
	if err != nil {
		return &IOError{Op: "open", Path: c.path, Err: err}
	}
	c.file = f

	c.closed = make(chan struct{})
	c.wg.Add(1)
	go c.batchWriter()
	c.isClosed = false
	return nil
}

// Close flushes any pending batch and closes the underlying file. The
// Channel must not be used after Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	c.mu.Unlock()

	close(c.closed)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.file.Close(); err != nil {
		return &IOError{Op: "close", Path: c.path, Err: err}
	}
	return nil
}
