package blobpool

import (
	"errors"
	"os"
	"testing"

	"github.com/beaver-ledger/ledgerstore/internal/blobpath"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

type fakeRegistry struct {
	next       uint64
	pending    map[ledger.BlobID]bool
	persistent map[ledger.BlobID]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{pending: map[ledger.BlobID]bool{}, persistent: map[ledger.BlobID]bool{}}
}

func (r *fakeRegistry) NextBlobID() ledger.BlobID {
	r.next++
	return ledger.BlobID(r.next)
}

func (r *fakeRegistry) AddPendingBlobID(id ledger.BlobID) { r.pending[id] = true }

func (r *fakeRegistry) ReleasePendingBlobID(id ledger.BlobID) bool {
	if r.pending[id] && !r.persistent[id] {
		delete(r.pending, id)
		return true
	}
	return false
}

func (r *fakeRegistry) markPersistent(id ledger.BlobID) {
	delete(r.pending, id)
	r.persistent[id] = true
}

func TestRegisterDataWritesResolvedPath(t *testing.T) {
	m := walfile.NewMem()
	resolver := blobpath.New("/data", 4)
	reg := newFakeRegistry()
	p := New(m, resolver, reg)

	id, err := p.RegisterData([]byte("payload"))
	if err != nil {
		t.Fatalf("RegisterData: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	got, err := m.ReadFile(resolver.ResolvePath(id))
	if err != nil || string(got) != "payload" {
		t.Fatalf("blob file contents = %q, err = %v", got, err)
	}
	if !reg.pending[id] {
		t.Fatal("expected the registered id to be recorded as pending")
	}
	if ids := p.RegisteredIDs(); len(ids) != 1 || ids[0] != id {
		t.Fatalf("RegisteredIDs = %v", ids)
	}
}

func TestDuplicateDataCopiesUnderFreshID(t *testing.T) {
	m := walfile.NewMem()
	resolver := blobpath.New("/data", 4)
	p := New(m, resolver, newFakeRegistry())

	src, err := p.RegisterData([]byte("shared"))
	if err != nil {
		t.Fatalf("RegisterData: %v", err)
	}
	dup, err := p.DuplicateData(src)
	if err != nil {
		t.Fatalf("DuplicateData: %v", err)
	}
	if dup == src {
		t.Fatal("expected a fresh id for the duplicate")
	}
	got, err := m.ReadFile(resolver.ResolvePath(dup))
	if err != nil || string(got) != "shared" {
		t.Fatalf("duplicate contents = %q, err = %v", got, err)
	}
}

func TestReleaseDiscardsPendingButKeepsPersistent(t *testing.T) {
	m := walfile.NewMem()
	resolver := blobpath.New("/data", 4)
	reg := newFakeRegistry()
	p := New(m, resolver, reg)

	kept, err := p.RegisterData([]byte("kept"))
	if err != nil {
		t.Fatalf("RegisterData kept: %v", err)
	}
	dropped, err := p.RegisterData([]byte("dropped"))
	if err != nil {
		t.Fatalf("RegisterData dropped: %v", err)
	}
	reg.markPersistent(kept)

	p.Release()

	if !walfile.Exists(m, resolver.ResolvePath(kept)) {
		t.Fatal("persistent blob must survive Release")
	}
	if walfile.Exists(m, resolver.ResolvePath(dropped)) {
		t.Fatal("pending blob must be discarded by Release")
	}

	if _, err := p.RegisterData([]byte("late")); err != ErrPoolReleased {
		t.Fatalf("RegisterData after Release = %v, want ErrPoolReleased", err)
	}
	// A second Release is a no-op.
	p.Release()
}

type failWriteOps struct {
	walfile.Ops
}

func (failWriteOps) WriteFile(string, []byte, os.FileMode) error {
	return errors.New("simulated write failure")
}

func TestRegisterDataSurfacesBlobError(t *testing.T) {
	resolver := blobpath.New("/data", 4)
	p := New(failWriteOps{Ops: walfile.NewMem()}, resolver, newFakeRegistry())

	_, err := p.RegisterData([]byte("x"))
	if err == nil {
		t.Fatal("expected RegisterData to fail")
	}
	var blobErr *BlobError
	if !errors.As(err, &blobErr) {
		t.Fatalf("got %T (%v), want *BlobError", err, err)
	}
}
