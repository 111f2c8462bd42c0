// Package datastore is the root owning entity of the persistence engine:
// it aggregates the epoch coordinator, the per-channel log
// writers, the BLOB garbage collector, the compaction engine, and the
// backup/restore surface behind a single Open/Ready/Shutdown lifecycle,
// exclusively owning every file under its log directory while open.
package datastore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beaver-ledger/ledgerstore/internal/backup"
	"github.com/beaver-ledger/ledgerstore/internal/blobgc"
	"github.com/beaver-ledger/ledgerstore/internal/blobpath"
	"github.com/beaver-ledger/ledgerstore/internal/blobpool"
	"github.com/beaver-ledger/ledgerstore/internal/catalog"
	"github.com/beaver-ledger/ledgerstore/internal/compaction"
	"github.com/beaver-ledger/ledgerstore/internal/epoch"
	"github.com/beaver-ledger/ledgerstore/internal/logchannel"
	"github.com/beaver-ledger/ledgerstore/internal/logscan"
	"github.com/beaver-ledger/ledgerstore/internal/manifest"
	"github.com/beaver-ledger/ledgerstore/internal/snapshotcursor"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/internal/walhistory"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// Metrics is the subset of the metrics collector the datastore reports
// through. internal/metrics.Collector satisfies it; a nil Metrics drops
// every observation.
type Metrics interface {
	SetEpochSwitched(epoch uint64)
	SetEpochInformed(epoch uint64)
	RecordEpochUpdateFailure()
	RecordCompaction(keysMerged int, durationSeconds float64)
	RecordGCScan(candidates int)
	RecordGCDeleted(count int)
	RecordBackupBegin()
	RecordBackupEnd()
}

// Config configures a Datastore at Open time.
type Config struct {
	Dir                   string
	ChannelCount          int
	RecoverMaxParallelism int
	BlobDirectoryCount    int
	BackupSessionTTL      time.Duration
	Logger                *slog.Logger
	Metrics               Metrics

	WALBufferSize    int
	WALFlushInterval time.Duration

	// DurableUpdateInterval drives the periodic call to
	// UpdateMinEpochID(false) that advances durability even when no
	// SwitchEpoch is in flight.
	DurableUpdateInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.ChannelCount <= 0 {
		c.ChannelCount = 1
	}
	if c.RecoverMaxParallelism <= 0 {
		c.RecoverMaxParallelism = 4
	}
	if c.BlobDirectoryCount <= 0 {
		c.BlobDirectoryCount = blobpath.DefaultDirectoryCount
	}
	if c.BackupSessionTTL <= 0 {
		c.BackupSessionTTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WALBufferSize <= 0 {
		c.WALBufferSize = 100
	}
	if c.WALFlushInterval <= 0 {
		c.WALFlushInterval = 10 * time.Millisecond
	}
	if c.DurableUpdateInterval <= 0 {
		c.DurableUpdateInterval = 100 * time.Millisecond
	}
}

// Datastore is the root owning entity: channels, the epoch coordinator,
// and the BLOB collector are aggregated and their lifetimes nest within
// it.
type Datastore struct {
	cfg     Config
	ops     walfile.Ops
	logger  *slog.Logger
	metrics Metrics // nil drops every observation

	lock      *manifest.Lock
	epochFile *logchannel.EpochFile
	coord     *epoch.Coordinator
	history   *walhistory.History

	channelsMu sync.Mutex // guards channel vector allocation
	channels   []*logchannel.Channel

	filesMu     sync.Mutex // guards the tracked file set and rotation sequences
	trackedWAL  map[string]bool
	epochRotSeq int
	walRotSeq   int

	resolver *blobpath.Resolver

	blobMu            sync.Mutex // guards the pending and persistent BLOB id sets
	pendingBlobIDs    map[ledger.BlobID]struct{}
	persistentBlobIDs map[ledger.BlobID]struct{}
	nextBlobID        atomic.Uint64

	gcMu sync.Mutex
	gc   *blobgc.Collector // collector for the current (or most recent) GC cycle

	catalogMu sync.Mutex
	cat       *catalog.Catalog
	compactor *compaction.Engine

	boundaryMu sync.Mutex // guards boundary
	boundary   ledger.WriteVersion

	backupSessions *backup.SessionManager

	snapshotEntries []ledger.SnapshotEntry
	recoveryCeiling ledger.EpochID

	updateStop chan struct{}
	updateWg   sync.WaitGroup

	mu      sync.Mutex
	ready   bool
	closed  bool
}

// Open prepares dir as a log directory (creating the manifest and epoch
// file on first use), runs recovery, loads the compaction catalog, and
// starts one log channel writer per configured channel. SwitchEpoch can
// be called on the returned Datastore before Ready; Ready registers the
// durable-epoch callback and starts the periodic durability updater.
func Open(ops walfile.Ops, cfg Config) (*Datastore, error) {
	cfg.setDefaults()
	dir := cfg.Dir

	if err := ops.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("datastore: creating %s: %w", dir, err)
	}
	if err := ops.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return nil, fmt.Errorf("datastore: creating data dir: %w", err)
	}
	if err := ops.MkdirAll(filepath.Join(dir, "blob"), 0755); err != nil {
		return nil, fmt.Errorf("datastore: creating blob dir: %w", err)
	}

	if !walfile.Exists(ops, filepath.Join(dir, "limestone-manifest.json")) {
		if err := manifest.CreateInitial(ops, dir); err != nil {
			return nil, fmt.Errorf("datastore: writing initial manifest: %w", err)
		}
	}

	lock, err := manifest.AcquireLock(dir)
	if err != nil {
		return nil, fmt.Errorf("datastore: acquiring manifest lock: %w", err)
	}

	ds := &Datastore{
		cfg:               cfg,
		ops:               ops,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		lock:              lock,
		history:           walhistory.New(ops, dir),
		trackedWAL:        make(map[string]bool),
		pendingBlobIDs:    make(map[ledger.BlobID]struct{}),
		persistentBlobIDs: make(map[ledger.BlobID]struct{}),
		backupSessions:    backup.NewSessionManager(cfg.BackupSessionTTL, nil),
		updateStop:        make(chan struct{}),
	}

	if err := ds.recover(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	// Seed the BLOB allocator and persistent set from the recovered
	// snapshot: every id it references is live, and ids never recycle.
	var maxBlob ledger.BlobID
	for _, e := range ds.snapshotEntries {
		for _, id := range e.BlobIDs {
			ds.persistentBlobIDs[id] = struct{}{}
			if id > maxBlob {
				maxBlob = id
			}
		}
	}
	ds.nextBlobID.Store(uint64(maxBlob))

	ds.resolver = blobpath.New(dir, cfg.BlobDirectoryCount)
	ds.gc = blobgc.New(ds.resolver, ops, cfg.Logger)

	ds.cat, err = catalog.Load(ops, dir)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("datastore: loading catalog: %w", err)
	}

	ds.compactor = compaction.New(compaction.Deps{
		Ops:               ops,
		Dir:               dir,
		RotateAllChannels: ds.rotateAllChannels,
		ListRotatedWAL:    ds.listRotatedWAL,
		Catalog:           ds.cat,
		MaxExistingBlobID: ds.maxExistingBlobID,
		GC:                gcRunner{ds: ds},
	})

	ef, err := logchannel.OpenEpochFile(ops, filepath.Join(dir, "epoch"))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("datastore: opening epoch file: %w", err)
	}
	ds.epochFile = ef
	ds.coord = epoch.New(ef, epoch.Hooks{})
	if err := ds.coord.SwitchEpoch(ds.recoveryCeiling + 1); err != nil && err != epoch.ErrEpochNotIncreasing {
		_ = lock.Release()
		return nil, fmt.Errorf("datastore: initializing epoch coordinator: %w", err)
	}
	if ds.metrics != nil {
		ds.metrics.SetEpochSwitched(uint64(ds.coord.Switched()))
	}

	for i := 0; i < cfg.ChannelCount; i++ {
		ch, err := logchannel.Open(ops, filepath.Join(dir, activeWALName(i)), ds.coord, cfg.WALBufferSize, cfg.WALFlushInterval)
		if err != nil {
			_ = lock.Release()
			return nil, fmt.Errorf("datastore: opening channel %d: %w", i, err)
		}
		ds.channels = append(ds.channels, ch)
	}

	return ds, nil
}

// recover runs the recovery pass, populating snapshotEntries and
// recoveryCeiling. Any read error means the database is treated as
// corrupted and the datastore refuses to open.
func (ds *Datastore) recover() error {
	dir := ds.cfg.Dir
	walPaths, err := ds.listAllWAL()
	if err != nil {
		return fmt.Errorf("datastore: listing WAL files for recovery: %w", err)
	}

	result, err := logscan.Recover(
		ds.ops,
		dir,
		manifest.Checker{Ops: ds.ops},
		filepath.Join(dir, "epoch"),
		walPaths,
		ds.cfg.RecoverMaxParallelism,
		filepath.Join(dir, "data", "snapshot"),
	)
	if err != nil {
		return fmt.Errorf("datastore: recovery failed, refusing to open: %w", err)
	}
	ds.snapshotEntries = result.Entries
	ds.recoveryCeiling = result.Ceiling
	return nil
}

// listAllWAL returns every pwal_* file (active and rotated) under dir.
func (ds *Datastore) listAllWAL() ([]string, error) {
	entries, err := ds.ops.ReadDir(ds.cfg.Dir)
	if walfile.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := walChannelOf(name); !ok {
			continue
		}
		if isCompactedFile(name) {
			// Compacted images share the pwal_ prefix but are merged into
			// the recovery view through the cursor, not the WAL scan.
			continue
		}
		out = append(out, filepath.Join(ds.cfg.Dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// listRotatedWAL returns only the immutable, already-rotated pwal_*
// files (compaction's candidate pool).
func (ds *Datastore) listRotatedWAL() ([]string, error) {
	entries, err := ds.ops.ReadDir(ds.cfg.Dir)
	if walfile.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isRotatedWAL(e.Name()) {
			out = append(out, filepath.Join(ds.cfg.Dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// maxExistingBlobID is the GC scan ceiling: the highest id the allocator
// has ever handed out. Files with ids above it belong to BLOBs allocated
// after the scan began and are never collection candidates.
func (ds *Datastore) maxExistingBlobID() ledger.BlobID {
	return ledger.BlobID(ds.nextBlobID.Load())
}

// AcquireBlobPool hands the caller a BLOB registration pool. The pool is
// owned by the caller; the BLOB files it produces become owned by the
// datastore once registered.
func (ds *Datastore) AcquireBlobPool() *blobpool.Pool {
	return blobpool.New(ds.ops, ds.resolver, ds)
}

// NextBlobID allocates a fresh BLOB id. Implements blobpool.Registry.
func (ds *Datastore) NextBlobID() ledger.BlobID {
	return ledger.BlobID(ds.nextBlobID.Add(1))
}

// AddPendingBlobID records a registered-but-not-yet-committed BLOB.
// Implements blobpool.Registry.
func (ds *Datastore) AddPendingBlobID(id ledger.BlobID) {
	ds.blobMu.Lock()
	defer ds.blobMu.Unlock()
	ds.pendingBlobIDs[id] = struct{}{}
}

// ReleasePendingBlobID drops id from the pending set, reporting whether
// it was still pending (true means the caller should discard the file).
// Implements blobpool.Registry.
func (ds *Datastore) ReleasePendingBlobID(id ledger.BlobID) bool {
	ds.blobMu.Lock()
	defer ds.blobMu.Unlock()
	if _, ok := ds.pendingBlobIDs[id]; ok {
		delete(ds.pendingBlobIDs, id)
		return true
	}
	return false
}

// AddPersistentBlobIDs promotes ids from pending to persistent, called
// once the entries referencing them have been committed through a log
// channel session.
func (ds *Datastore) AddPersistentBlobIDs(ids ...ledger.BlobID) {
	ds.blobMu.Lock()
	defer ds.blobMu.Unlock()
	for _, id := range ids {
		delete(ds.pendingBlobIDs, id)
		ds.persistentBlobIDs[id] = struct{}{}
	}
}

// pendingBlobIDSnapshot returns the ids registered through a pool that
// have not yet been committed; GC must never delete these even when no
// on-disk entry references them yet.
func (ds *Datastore) pendingBlobIDSnapshot() []ledger.BlobID {
	ds.blobMu.Lock()
	defer ds.blobMu.Unlock()
	out := make([]ledger.BlobID, 0, len(ds.pendingBlobIDs))
	for id := range ds.pendingBlobIDs {
		out = append(out, id)
	}
	return out
}

// gcRunner adapts the datastore's BLOB collector to compaction's
// GCScheduler. A Collector's scans run at most once per lifetime, so each
// compaction cycle gets a fresh Collector; the previous cycle's collector
// is shut down (joining its workers) right after it is replaced.
type gcRunner struct {
	ds *Datastore
}

func (g gcRunner) ScanBlobFiles(maxID ledger.BlobID) error {
	ds := g.ds
	ds.gcMu.Lock()
	prev := ds.gc
	ds.gc = blobgc.New(ds.resolver, ds.ops, ds.logger)
	cur := ds.gc
	ds.gcMu.Unlock()
	if prev != nil {
		if err := prev.Shutdown(); err != nil {
			ds.logger.Error("datastore: shutting down prior GC cycle", "err", err)
		}
	}
	if err := cur.ScanBlobFiles(maxID); err != nil {
		return err
	}
	if ds.metrics != nil {
		ds.metrics.RecordGCScan(cur.CandidateCount())
	}
	return nil
}

func (g gcRunner) ScanSnapshot(mode blobgc.ScanMode, ids []ledger.BlobID) error {
	g.ds.gcMu.Lock()
	cur := g.ds.gc
	g.ds.gcMu.Unlock()
	// BLOBs registered through a pool but not yet committed have no
	// referencing entry on disk; exempt them alongside the snapshot's
	// referenced set so an in-flight registration can't be collected.
	for _, id := range g.ds.pendingBlobIDSnapshot() {
		if err := cur.AddGCExemptBlobID(id); err != nil {
			return err
		}
	}
	return cur.ScanSnapshot(mode, ids)
}

func (g gcRunner) FinalizeScanAndCleanup() (int, error) {
	g.ds.gcMu.Lock()
	cur := g.ds.gc
	g.ds.gcMu.Unlock()
	deleted, err := cur.FinalizeScanAndCleanup()
	if err == nil && g.ds.metrics != nil {
		g.ds.metrics.RecordGCDeleted(deleted)
	}
	return deleted, err
}

// Ready transitions the datastore into its steady-state: registers the
// durable-epoch persistent callback and starts the periodic
// UpdateMinEpochID ticker.
func (ds *Datastore) Ready(onDurable func(ledger.EpochID)) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.ready {
		return fmt.Errorf("datastore: already ready")
	}
	cb := onDurable
	if ds.metrics != nil {
		user := onDurable
		cb = func(e ledger.EpochID) {
			ds.metrics.SetEpochInformed(uint64(e))
			if user != nil {
				user(e)
			}
		}
	}
	if cb != nil {
		ds.coord.AddPersistentCallback(cb)
	}
	ds.ready = true

	ds.updateWg.Add(1)
	go ds.periodicUpdate()
	return nil
}

func (ds *Datastore) periodicUpdate() {
	defer ds.updateWg.Done()
	ticker := time.NewTicker(ds.cfg.DurableUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ds.coord.UpdateMinEpochID(false); err != nil {
				ds.logger.Error("datastore: periodic epoch update failed", "err", err)
				if ds.metrics != nil {
					ds.metrics.RecordEpochUpdateFailure()
				}
			}
		case <-ds.updateStop:
			return
		}
	}
}

// Channel returns the log channel writer at idx.
func (ds *Datastore) Channel(idx int) (*logchannel.Channel, error) {
	ds.channelsMu.Lock()
	defer ds.channelsMu.Unlock()
	if idx < 0 || idx >= len(ds.channels) {
		return nil, fmt.Errorf("datastore: channel %d out of range", idx)
	}
	return ds.channels[idx], nil
}

// SwitchEpoch advances the epoch coordinator and records the rotation
// point in the WAL history file.
func (ds *Datastore) SwitchEpoch(e ledger.EpochID) error {
	if err := ds.coord.SwitchEpoch(e); err != nil {
		return err
	}
	if ds.metrics != nil {
		ds.metrics.SetEpochSwitched(uint64(e))
	}
	return ds.history.Append(e)
}

// Coordinator exposes the epoch coordinator for callers that need direct
// access to the watermarks (metrics, tests).
func (ds *Datastore) Coordinator() *epoch.Coordinator { return ds.coord }

// rotateAllChannels requests every channel to rotate its active file,
// used as compaction's rotation barrier.
func (ds *Datastore) rotateAllChannels() error {
	ds.channelsMu.Lock()
	defer ds.channelsMu.Unlock()
	for i, ch := range ds.channels {
		ds.filesMu.Lock()
		ds.walRotSeq++
		seq := ds.walRotSeq
		ds.filesMu.Unlock()

		newPath := filepath.Join(ds.cfg.Dir, rotatedName(activeWALName(i), seq))
		if err := ch.Rotate(newPath); err != nil {
			return fmt.Errorf("datastore: rotating channel %d: %w", i, err)
		}
		ds.filesMu.Lock()
		ds.trackedWAL[baseName(newPath)] = true
		ds.filesMu.Unlock()
	}
	return nil
}

// Compact runs one compaction cycle at the coordinator's currently
// switched epoch.
func (ds *Datastore) Compact() (*compaction.Result, error) {
	start := time.Now()
	result, err := ds.compactor.Compact(ds.coord.Switched())
	if err != nil {
		return nil, err
	}
	if ds.metrics != nil {
		ds.metrics.RecordCompaction(result.KeysMerged, time.Since(start).Seconds())
	}
	return result, nil
}

// Cursor opens a snapshotcursor.Cursor over the materialized snapshot and
// the current compacted file, if any.
func (ds *Datastore) Cursor() (*snapshotcursor.Cursor, error) {
	snapData, err := logscan.EncodeSnapshot(ds.snapshotEntries)
	if err != nil {
		return nil, err
	}

	ds.catalogMu.Lock()
	var compactedData []byte
	if len(ds.cat.CompactedFiles) > 0 {
		name := ds.cat.CompactedFiles[len(ds.cat.CompactedFiles)-1].Name
		data, err := ds.ops.ReadFile(filepath.Join(ds.cfg.Dir, name))
		if err == nil {
			compactedData = data
		}
	}
	ds.catalogMu.Unlock()

	return snapshotcursor.Open(snapData, compactedData), nil
}

// SetAvailableBoundaryVersion raises the oldest readable version; the
// engine may delete data strictly older than it.
func (ds *Datastore) SetAvailableBoundaryVersion(v ledger.WriteVersion) {
	ds.boundaryMu.Lock()
	defer ds.boundaryMu.Unlock()
	if ds.boundary.Less(v) {
		ds.boundary = v
	}
}

// AvailableBoundaryVersion returns the current boundary.
func (ds *Datastore) AvailableBoundaryVersion() ledger.WriteVersion {
	ds.boundaryMu.Lock()
	defer ds.boundaryMu.Unlock()
	return ds.boundary
}

// rotateEpochFile rotates the active epoch file to its timestamped
// immutable name, then re-stamps the fresh active file with the current
// durable watermark so recovery's ceiling survives the rotation. Returns
// the rotated file's basename.
func (ds *Datastore) rotateEpochFile() (string, error) {
	ds.filesMu.Lock()
	ds.epochRotSeq++
	seq := ds.epochRotSeq
	ds.filesMu.Unlock()

	name := rotatedName(activeEpochName(), seq)
	if err := ds.epochFile.Rotate(filepath.Join(ds.cfg.Dir, name)); err != nil {
		return "", fmt.Errorf("datastore: rotating epoch file: %w", err)
	}
	if durable := ds.coord.RecordFinished(); durable > 0 {
		if err := ds.epochFile.WriteDurableMarker(durable); err != nil {
			return "", fmt.Errorf("datastore: re-stamping durable marker after epoch rotation: %w", err)
		}
	}
	return name, nil
}

// BeginBackup rotates the epoch file and returns the flat file-set form of
// a consistent backup image: the active epoch file
// is replaced by its freshly rotated, immutable name and never appears in
// the set itself.
func (ds *Datastore) BeginBackup() (backup.FileSet, error) {
	inv, err := ds.beginBackupInventory()
	if err != nil {
		return backup.FileSet{}, err
	}
	return backup.StandardBackup(inv), nil
}

// BeginDetailedBackup rotates the epoch file and returns the entry-list
// form of a consistent backup image.
func (ds *Datastore) BeginDetailedBackup() ([]backup.Entry, error) {
	inv, err := ds.beginBackupInventory()
	if err != nil {
		return nil, err
	}
	return backup.DetailedBackup(inv), nil
}

func (ds *Datastore) beginBackupInventory() (backup.Inventory, error) {
	rotatedEpoch, err := ds.rotateEpochFile()
	if err != nil {
		return backup.Inventory{}, err
	}
	inv, err := ds.BackupInventory()
	if err != nil {
		return backup.Inventory{}, err
	}
	inv.ActiveEpochFile = activeEpochName()
	inv.RotatedEpochFile = rotatedEpoch
	return inv, nil
}

// BeginBackupSession validates the requested epoch range against the
// datastore's current bounds, rotates the epoch file, and issues a
// token-carrying backup session over the detailed entry list.
func (ds *Datastore) BeginBackupSession(beginEpoch, endEpoch ledger.EpochID) (*backup.Session, error) {
	entries, err := ds.BeginDetailedBackup()
	if err != nil {
		return nil, err
	}
	ds.catalogMu.Lock()
	snapshotEpoch := ds.cat.MaxEpochID
	ds.catalogMu.Unlock()
	sess, err := ds.backupSessions.BeginBackup(
		beginEpoch, endEpoch,
		snapshotEpoch, ds.coord.Switched(), ds.recoveryCeiling,
		entries,
	)
	if err != nil {
		return nil, err
	}
	if ds.metrics != nil {
		ds.metrics.RecordBackupBegin()
	}
	return sess, nil
}

// KeepAliveBackup extends a backup session's expiry.
func (ds *Datastore) KeepAliveBackup(token string) bool {
	return ds.backupSessions.KeepAlive(token)
}

// GetBackupObject streams the named objects of an open backup session.
func (ds *Datastore) GetBackupObject(token string, ids []string) ([]backup.ObjectChunk, error) {
	return ds.backupSessions.GetObject(ds.ops, token, ids)
}

// EndBackupSession terminates a backup session; unknown tokens are
// idempotent no-ops.
func (ds *Datastore) EndBackupSession(token string) {
	if ds.backupSessions.EndBackup(token) && ds.metrics != nil {
		ds.metrics.RecordBackupEnd()
	}
}

// BackupInventory assembles the current on-disk layout for the backup
// enumeration functions in internal/backup.
func (ds *Datastore) BackupInventory() (backup.Inventory, error) {
	rotatedWAL, err := ds.listRotatedWAL()
	if err != nil {
		return backup.Inventory{}, err
	}
	seen := make(map[string]bool, len(rotatedWAL))
	names := make([]string, 0, len(rotatedWAL))
	for _, p := range rotatedWAL {
		name := baseName(p)
		seen[name] = true
		names = append(names, name)
	}
	// The tracked set is authoritative for files this datastore rotated
	// itself, even if a concurrent directory listing raced the rename.
	ds.filesMu.Lock()
	for name := range ds.trackedWAL {
		if !seen[name] {
			names = append(names, name)
		}
	}
	ds.filesMu.Unlock()
	sort.Strings(names)

	ds.catalogMu.Lock()
	compacted := make([]string, len(ds.cat.CompactedFiles))
	for i, cf := range ds.cat.CompactedFiles {
		compacted[i] = cf.Name
	}
	detached := append([]string(nil), ds.cat.DetachedPwals...)
	ds.catalogMu.Unlock()

	blobFiles, err := ds.listBlobFiles()
	if err != nil {
		return backup.Inventory{}, err
	}

	return backup.Inventory{
		Dir:            ds.cfg.Dir,
		RotatedWAL:     names,
		DetachedWAL:    detached,
		CompactedFiles: compacted,
		BlobFiles:      blobFiles,
	}, nil
}

func (ds *Datastore) listBlobFiles() ([]string, error) {
	var out []string
	for i := 0; i < ds.resolver.DirectoryCount(); i++ {
		dirRel := filepath.Join("blob", fmt.Sprintf("dir_%02d", i))
		entries, err := ds.ops.ReadDir(filepath.Join(ds.cfg.Dir, dirRel))
		if err != nil {
			if walfile.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if blobpath.IsBlobFile(e.Name()) {
				out = append(out, filepath.Join(dirRel, e.Name()))
			}
		}
	}
	return out, nil
}

// Shutdown refuses new sessions, drains in-flight channel writes, joins
// the BLOB collector's background workers, and releases the manifest
// lock. Safe to call once; a second call returns an error.
func (ds *Datastore) Shutdown() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return fmt.Errorf("datastore: already shut down")
	}
	ds.closed = true
	ds.mu.Unlock()

	if ds.ready {
		close(ds.updateStop)
		ds.updateWg.Wait()
	}

	ds.channelsMu.Lock()
	for _, ch := range ds.channels {
		if err := ch.Close(); err != nil {
			ds.logger.Error("datastore: closing channel failed", "err", err)
		}
	}
	ds.channelsMu.Unlock()

	if err := ds.epochFile.Close(); err != nil {
		ds.logger.Error("datastore: closing epoch file failed", "err", err)
	}

	ds.gcMu.Lock()
	gc := ds.gc
	ds.gcMu.Unlock()
	if gc != nil {
		if err := gc.Shutdown(); err != nil {
			ds.logger.Error("datastore: GC shutdown failed", "err", err)
		}
	}

	return ds.lock.Release()
}
