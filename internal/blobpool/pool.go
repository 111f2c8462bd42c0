// Package blobpool implements the caller-facing BLOB registration
// surface: a pool acquired from the datastore through which callers
// produce BLOB files, which become owned by the datastore once the
// entries referencing them are committed. Releasing a pool discards any
// registered BLOB that never made it to the persistent set.
package blobpool

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/beaver-ledger/ledgerstore/internal/blobpath"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// ErrPoolReleased is returned by every registration method once Release
// has been called.
var ErrPoolReleased = errors.New("blobpool: pool has been released")

// BlobError reports a failure while copying, moving, or registering a
// BLOB. It is distinguished from ordinary I/O errors so callers can retry
// the registration without aborting their write session.
type BlobError struct {
	Op  string
	ID  ledger.BlobID
	Err error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("blobpool: %s blob %d: %v", e.Op, e.ID, e.Err)
}

func (e *BlobError) Unwrap() error { return e.Err }

// Registry is the subset of the datastore a pool needs: id allocation and
// the pending/persistent bookkeeping for registered BLOBs.
type Registry interface {
	// NextBlobID allocates a fresh, process-unique BLOB id.
	NextBlobID() ledger.BlobID
	// AddPendingBlobID records that id has a file on disk but is not yet
	// referenced by any committed entry.
	AddPendingBlobID(id ledger.BlobID)
	// ReleasePendingBlobID drops id from the pending set, reporting true
	// if it was still pending (and its file should be discarded) or false
	// if it had been promoted to the persistent set in the meantime.
	ReleasePendingBlobID(id ledger.BlobID) bool
}

// Pool is a single caller's BLOB registration session.
type Pool struct {
	ops      walfile.Ops
	resolver *blobpath.Resolver
	registry Registry

	mu         sync.Mutex
	registered []ledger.BlobID
	released   bool
}

// New constructs a Pool writing through ops under resolver's blob tree.
func New(ops walfile.Ops, resolver *blobpath.Resolver, registry Registry) *Pool {
	return &Pool{ops: ops, resolver: resolver, registry: registry}
}

// RegisterData allocates a fresh BLOB id, writes data to its resolved
// path, and records the id as pending. The returned id is what callers
// pass to a log channel session's AddEntry blob list.
func (p *Pool) RegisterData(data []byte) (ledger.BlobID, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return 0, ErrPoolReleased
	}
	p.mu.Unlock()

	id := p.registry.NextBlobID()
	path := p.resolver.ResolvePath(id)
	if err := p.ops.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, &BlobError{Op: "register", ID: id, Err: err}
	}
	if err := p.ops.WriteFile(path, data, 0644); err != nil {
		return 0, &BlobError{Op: "register", ID: id, Err: err}
	}

	p.registry.AddPendingBlobID(id)
	p.mu.Lock()
	p.registered = append(p.registered, id)
	p.mu.Unlock()
	return id, nil
}

// DuplicateData copies an existing BLOB's bytes under a fresh id, used
// when a caller wants to reference the same payload from a new entry
// without tying the two lifetimes together.
func (p *Pool) DuplicateData(src ledger.BlobID) (ledger.BlobID, error) {
	data, err := p.ops.ReadFile(p.resolver.ResolvePath(src))
	if err != nil {
		return 0, &BlobError{Op: "duplicate", ID: src, Err: err}
	}
	return p.RegisterData(data)
}

// RegisteredIDs returns every id this pool has registered so far.
func (p *Pool) RegisteredIDs() []ledger.BlobID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ledger.BlobID(nil), p.registered...)
}

// Release discards every registered BLOB that never became persistent,
// removing its file best-effort, and makes the pool unusable. Idempotent.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	ids := p.registered
	p.mu.Unlock()

	for _, id := range ids {
		if p.registry.ReleasePendingBlobID(id) {
			// Best-effort: a failure here is reclaimed by a later GC sweep.
			_ = p.ops.Remove(p.resolver.ResolvePath(id))
		}
	}
}
