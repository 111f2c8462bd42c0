// Package backup implements file-set enumeration, restore, and the
// session-based backup protocol: standard and detailed
// backup-entry enumeration, restoring a log directory from a provided
// file set, and a begin/keep_alive/get_object/end_backup session
// lifecycle layered over the envelope framing in internal/envelope.
package backup

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// Status is the restore/backup return code set.
type Status int

const (
	StatusOK Status = iota
	StatusErrNotFound
	StatusErrPermissionError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErrNotFound:
		return "err_not_found"
	case StatusErrPermissionError:
		return "err_permission_error"
	default:
		return "unknown"
	}
}

// Entry is one member of a detailed backup's file set.
type Entry struct {
	SourcePath      string
	DestinationPath string
	IsMutable       bool
	IsDetached      bool
}

// FileSet is the result of a standard begin_backup call: a flat list of
// on-disk names forming a consistent image, split by mutability.
type FileSet struct {
	Immutable []string
	Mutable   []string
}

// Inventory supplies the datastore's current on-disk layout to the
// enumeration functions below. The datastore owns the authoritative
// answer (which channel is active vs rotated, which WAL files the
// catalog has detached); this package only assembles it into the
// entry/file-set shapes the protocol exposes.
type Inventory struct {
	Dir              string
	ActiveEpochFile  string   // basename of the current active epoch file (not included: mutable, still being written)
	RotatedEpochFile string   // basename of the epoch file rotated just before backup began
	RotatedWAL       []string // basenames of every rotated (immutable) pwal_* file
	DetachedWAL      []string // basenames of rotated WAL files the catalog already marked detached
	CompactedFiles   []string // basenames of compacted files
	BlobFiles        []string // relative paths (e.g. "blob/dir_00/....blob") of every live BLOB file
}

// manifestName and catalogName match internal/manifest and
// internal/catalog's unexported constants; duplicated here since backup
// enumerates file names without needing either package's parse logic.
const (
	manifestName = "limestone-manifest.json"
	catalogName  = "compaction_catalog"
)

// StandardBackup builds the flat file-set form of begin_backup: the
// manifest and catalog are mutable (they may be
// rewritten in place by a concurrent compaction or migration); the
// rotated epoch file, rotated WAL files, compacted files, and BLOB files
// are immutable once produced. The active epoch file is never included —
// it is still being written.
func StandardBackup(inv Inventory) FileSet {
	fs := FileSet{
		Mutable: []string{manifestName, catalogName},
	}
	if inv.RotatedEpochFile != "" {
		fs.Immutable = append(fs.Immutable, inv.RotatedEpochFile)
	}
	fs.Immutable = append(fs.Immutable, inv.RotatedWAL...)
	fs.Immutable = append(fs.Immutable, inv.CompactedFiles...)
	fs.Immutable = append(fs.Immutable, inv.BlobFiles...)
	return fs
}

// DetailedBackup builds the entry-list form of begin_backup: every file
// gets a destination path relative to the log directory plus
// mutability/detached flags so the caller can copy at its
// own pace while the engine guarantees the listed sources won't be
// renamed or deleted until notify_end_backup.
func DetailedBackup(inv Inventory) []Entry {
	var entries []Entry
	add := func(name string, mutable bool) {
		entries = append(entries, Entry{
			SourcePath:      walfile.Join(inv.Dir, name),
			DestinationPath: name,
			IsMutable:       mutable,
		})
	}
	add(manifestName, true)
	add(catalogName, true)
	if inv.RotatedEpochFile != "" {
		add(inv.RotatedEpochFile, false)
	}
	detached := make(map[string]bool, len(inv.DetachedWAL))
	for _, name := range inv.DetachedWAL {
		detached[name] = true
	}
	for _, name := range inv.RotatedWAL {
		entries = append(entries, Entry{
			SourcePath:      walfile.Join(inv.Dir, name),
			DestinationPath: name,
			IsMutable:       false,
			IsDetached:      detached[name],
		})
	}
	for _, name := range inv.CompactedFiles {
		add(name, false)
	}
	for _, rel := range inv.BlobFiles {
		entries = append(entries, Entry{
			SourcePath:      walfile.Join(inv.Dir, rel),
			DestinationPath: rel,
			IsMutable:       false,
		})
	}
	return entries
}

// Restore purges every non-directory entry from logDir and copies every
// file from fromDir into it, optionally deleting the sources afterward.
func Restore(ops walfile.Ops, logDir, fromDir string, keepBackup bool) Status {
	entries, err := ops.ReadDir(logDir)
	if err != nil && !walfile.IsNotExist(err) {
		return StatusErrPermissionError
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if err := ops.Remove(walfile.Join(logDir, ent.Name())); err != nil {
			return StatusErrPermissionError
		}
	}

	sourceEntries, err := ops.ReadDir(fromDir)
	if err != nil {
		return StatusErrNotFound
	}
	for _, ent := range sourceEntries {
		if ent.IsDir() {
			continue
		}
		data, err := ops.ReadFile(walfile.Join(fromDir, ent.Name()))
		if err != nil {
			return StatusErrPermissionError
		}
		if err := ops.WriteFile(walfile.Join(logDir, ent.Name()), data, 0644); err != nil {
			return StatusErrPermissionError
		}
	}

	if !keepBackup {
		for _, ent := range sourceEntries {
			if ent.IsDir() {
				continue
			}
			_ = ops.Remove(walfile.Join(fromDir, ent.Name()))
		}
	}
	return StatusOK
}

// RestoreEntry is one member of the entry-list restore form: source is
// resolved as absolute if given absolute, else relative to fromDir;
// destination is always relative to the log directory.
type RestoreEntry struct {
	Source      string
	Destination string
}

// RestoreEntries purges logDir, then copies exactly the named entries.
// A missing source aborts with
// StatusErrNotFound without purging further.
func RestoreEntries(ops walfile.Ops, logDir, fromDir string, entries []RestoreEntry) Status {
	dirEntries, err := ops.ReadDir(logDir)
	if err != nil && !walfile.IsNotExist(err) {
		return StatusErrPermissionError
	}
	for _, ent := range dirEntries {
		if ent.IsDir() {
			continue
		}
		if err := ops.Remove(walfile.Join(logDir, ent.Name())); err != nil {
			return StatusErrPermissionError
		}
	}

	for _, e := range entries {
		src := e.Source
		if !filepath.IsAbs(src) {
			src = walfile.Join(fromDir, src)
		}
		if _, err := ops.Stat(src); err != nil {
			return StatusErrNotFound
		}
		data, err := ops.ReadFile(src)
		if err != nil {
			return StatusErrPermissionError
		}
		if err := ops.WriteFile(walfile.Join(logDir, e.Destination), data, 0644); err != nil {
			return StatusErrPermissionError
		}
	}
	return StatusOK
}

// ProtocolError reports a begin_backup validation failure or any other
// session-protocol misuse.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "backup: " + e.Reason }

// Session is one outstanding backup session created by BeginBackup.
type Session struct {
	Token   string
	Expiry  time.Time
	Objects []Entry
}

// SessionManager tracks outstanding backup sessions: begin/keep_alive/
// get_object/end_backup, without committing to any particular transport
// — this type only holds the session state machine.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionManager constructs a SessionManager with the given session
// time-to-live. now defaults to time.Now if nil (tests may override it).
func NewSessionManager(ttl time.Duration, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{sessions: make(map[string]*Session), ttl: ttl, now: now}
}

// BeginBackup validates the requested epoch range against the
// datastore's current bounds and issues a new session token:
// beginEpoch < endEpoch, beginEpoch > snapshotEpoch, endEpoch <=
// currentEpoch, endEpoch > bootDurableEpoch.
func (m *SessionManager) BeginBackup(beginEpoch, endEpoch, snapshotEpoch, currentEpoch, bootDurableEpoch ledger.EpochID, objects []Entry) (*Session, error) {
	if !(beginEpoch < endEpoch) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("begin_epoch %d must be < end_epoch %d", beginEpoch, endEpoch)}
	}
	if !(beginEpoch > snapshotEpoch) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("begin_epoch %d must be > snapshot_epoch %d", beginEpoch, snapshotEpoch)}
	}
	if !(endEpoch <= currentEpoch) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("end_epoch %d must be <= current_epoch %d", endEpoch, currentEpoch)}
	}
	if !(endEpoch > bootDurableEpoch) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("end_epoch %d must be > boot_durable_epoch %d", endEpoch, bootDurableEpoch)}
	}

	sess := &Session{
		Token:   uuid.NewString(),
		Expiry:  m.now().Add(m.ttl),
		Objects: objects,
	}
	m.mu.Lock()
	m.sessions[sess.Token] = sess
	m.mu.Unlock()
	return sess, nil
}

// KeepAlive extends a session's expiry. Returns false if the token is
// unknown or already expired.
func (m *SessionManager) KeepAlive(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok || m.now().After(sess.Expiry) {
		return false
	}
	sess.Expiry = m.now().Add(m.ttl)
	return true
}

// ObjectChunk is one piece streamed by GetObject.
type ObjectChunk struct {
	ObjectID  string
	Path      string
	IsFirst   bool
	IsLast    bool
	Offset    int64
	TotalSize int64
	Data      []byte
}

// GetObject streams the requested object ids' backing files as a single
// chunk each (whole-file chunks keep the protocol simple; a production
// transport would split large BLOBs, which this package leaves to the
// caller since file I/O policy is out of scope here).
func (m *SessionManager) GetObject(ops walfile.Ops, token string, ids []string) ([]ObjectChunk, error) {
	m.mu.Lock()
	sess, ok := m.sessions[token]
	m.mu.Unlock()
	if !ok {
		return nil, &ProtocolError{Reason: "unknown session token"}
	}

	byID := make(map[string]Entry, len(sess.Objects))
	for _, obj := range sess.Objects {
		byID[obj.DestinationPath] = obj
	}

	chunks := make([]ObjectChunk, 0, len(ids))
	for _, id := range ids {
		entry, ok := byID[id]
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("unknown object id %q", id)}
		}
		data, err := ops.ReadFile(entry.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("backup: reading %s: %w", entry.SourcePath, err)
		}
		chunks = append(chunks, ObjectChunk{
			ObjectID:  id,
			Path:      entry.DestinationPath,
			IsFirst:   true,
			IsLast:    true,
			Offset:    0,
			TotalSize: int64(len(data)),
			Data:      data,
		})
	}
	return chunks, nil
}

// EndBackup terminates a session, reporting whether a live session was
// removed. An unknown token is an idempotent no-op.
func (m *SessionManager) EndBackup(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return false
	}
	delete(m.sessions, token)
	return true
}

// Sweep removes every session whose expiry has passed. The datastore does
// not call it; session lifetime is tied to keep_alive, not to a request
// rate.
func (m *SessionManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for token, sess := range m.sessions {
		if now.After(sess.Expiry) {
			delete(m.sessions, token)
		}
	}
}
