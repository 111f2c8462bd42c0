package blobgc

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/beaver-ledger/ledgerstore/internal/blobpath"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// Collector runs the BLOB garbage collector: a disk scan for candidate
// ids, a snapshot scan (internal or externally fed) for still-referenced
// ids, and a cleanup pass that deletes every candidate not referenced,
// coordinated by a StateMachine.
type Collector struct {
	resolver *blobpath.Resolver
	ops      walfile.Ops
	logger   *slog.Logger

	sm *StateMachine

	mu           sync.Mutex
	blobScanned  bool
	candidates   map[ledger.BlobID]struct{}
	exempt       map[ledger.BlobID]struct{}
	candidatesFz bool // true once FinalizeScanAndCleanup has frozen the candidate set

	wg sync.WaitGroup
}

// New constructs a Collector rooted at resolver's blob directory. A nil
// logger falls back to slog.Default().
func New(resolver *blobpath.Resolver, ops walfile.Ops, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		resolver: resolver,
		ops:      ops,
		logger:   logger,
		sm:       NewStateMachine(),
		exempt:   make(map[ledger.BlobID]struct{}),
	}
}

// State returns the collector's current GC state.
func (c *Collector) State() State { return c.sm.State() }

// ScanBlobFiles walks the BLOB directory tree up to maxID (inclusive),
// collecting every existing BLOB id as a cleanup candidate. It may be
// called exactly once per GC cycle; a second call is a logic error
// (scans do not restart mid-cycle).
func (c *Collector) ScanBlobFiles(maxID ledger.BlobID) error {
	if _, err := c.sm.StartBlobScan(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.blobScanned {
		c.mu.Unlock()
		return &LogicError{Reason: "ScanBlobFiles called more than once in this cycle"}
	}
	c.blobScanned = true
	c.mu.Unlock()

	found := make(map[ledger.BlobID]struct{})
	for dir := 0; dir < c.resolver.DirectoryCount(); dir++ {
		entries, err := c.ops.ReadDir(walfile.Join(c.resolver.BlobRoot(), dirName(dir)))
		if err != nil {
			if walfile.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			id, ok := blobpath.ExtractBlobID(ent.Name())
			if !ok || id > maxID {
				continue
			}
			found[id] = struct{}{}
		}
	}

	c.mu.Lock()
	c.candidates = found
	c.mu.Unlock()

	_, err := c.sm.CompleteBlobScan()
	return err
}

func dirName(i int) string {
	return fmt.Sprintf("dir_%02d", i)
}

// CandidateCount returns the number of cleanup candidates the blob scan
// has collected so far.
func (c *Collector) CandidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

// AddGCExemptBlobID marks id as still referenced, excluding it from
// cleanup regardless of what the scans report. Safe to call at any point
// before FinalizeScanAndCleanup has frozen the candidate set.
func (c *Collector) AddGCExemptBlobID(id ledger.BlobID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidatesFz {
		return &LogicError{Reason: "AddGCExemptBlobID called after cleanup has started"}
	}
	c.exempt[id] = struct{}{}
	return nil
}

// ScanSnapshot records the caller's verdict that ids still referenced by
// the current snapshot must not be deleted, and drives the corresponding
// start/complete snapshot-scan transitions.
func (c *Collector) ScanSnapshot(mode ScanMode, ids []ledger.BlobID) error {
	if _, err := c.sm.StartSnapshotScan(mode); err != nil {
		return err
	}
	c.mu.Lock()
	for _, id := range ids {
		c.exempt[id] = struct{}{}
	}
	c.mu.Unlock()
	_, err := c.sm.CompleteSnapshotScan(mode)
	return err
}

// NotifySnapshotScanProgress reports partial progress from a long-running
// external snapshot scan without completing it; exposed so an external
// scanner that streams ids incrementally can still feed AddGCExemptBlobID
// mid-scan without the state machine treating the scan as finished.
func (c *Collector) NotifySnapshotScanProgress() {
	c.logger.Info("blobgc: snapshot scan progress", "state", c.sm.State().String())
}

// FinalizeScanAndCleanup freezes the candidate set and deletes every
// candidate that was never marked exempt. Deletion is best-effort: a
// "file already gone" error from Remove is swallowed, since another GC
// cycle or a concurrent compaction may have removed it already.
func (c *Collector) FinalizeScanAndCleanup() (deleted int, err error) {
	if c.sm.State() == Completed {
		return 0, nil
	}
	if c.sm.State() != CleaningUp {
		return 0, &LogicError{Reason: "FinalizeScanAndCleanup called before both scans completed"}
	}

	c.mu.Lock()
	c.candidatesFz = true
	toDelete := make([]ledger.BlobID, 0, len(c.candidates))
	for id := range c.candidates {
		if _, exempt := c.exempt[id]; !exempt {
			toDelete = append(toDelete, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(toDelete, func(i, j int) bool { return toDelete[i] < toDelete[j] })

	for _, id := range toDelete {
		path := c.resolver.ResolvePath(id)
		if rmErr := c.ops.Remove(path); rmErr != nil && !walfile.IsNotExist(rmErr) {
			c.logger.Error("blobgc: delete failed", "id", id, "err", rmErr)
			continue
		}
		deleted++
	}
	c.logger.Info("blobgc: cleanup complete", "deleted", deleted, "candidates", len(toDelete))

	if _, err := c.sm.CompleteCleanup(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Shutdown tears the collector down, transitioning the state machine to
// Shutdown and waiting for any background workers launched via RunAsync
// to finish.
func (c *Collector) Shutdown() error {
	_, err := c.sm.Shutdown()
	c.wg.Wait()
	return err
}

// RunAsync launches blob scan, snapshot scan, and cleanup as three
// background goroutines joined on Shutdown, mirroring the log channel's
// batch-writer goroutine-plus-WaitGroup shutdown shape. The caller is
// responsible for calling Shutdown to observe any error via the returned
// channels before the collector is reused.
func (c *Collector) RunAsync(maxBlobID ledger.BlobID, snapshotMode ScanMode, snapshotIDs []ledger.BlobID) (blobErrCh, snapshotErrCh, cleanupErrCh <-chan error) {
	blobDone := make(chan error, 1)
	snapDone := make(chan error, 1)
	blobCh := make(chan error, 1)
	snapCh := make(chan error, 1)
	cleanCh := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.ScanBlobFiles(maxBlobID)
		blobDone <- err
		blobCh <- err
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.ScanSnapshot(snapshotMode, snapshotIDs)
		snapDone <- err
		snapCh <- err
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		blobErr := <-blobDone
		snapErr := <-snapDone
		if blobErr != nil {
			cleanCh <- blobErr
			return
		}
		if snapErr != nil {
			cleanCh <- snapErr
			return
		}
		_, err := c.FinalizeScanAndCleanup()
		cleanCh <- err
	}()

	return blobCh, snapCh, cleanCh
}
