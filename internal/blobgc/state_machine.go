// Package blobgc implements the BLOB garbage collector: a disk scan for
// candidate files, a snapshot scan for still-referenced ids, and a
// best-effort cleanup worker, all coordinated by an exhaustive
// state/event transition table.
package blobgc

import (
	"fmt"
	"sync"
)

// State is one node of the GC state machine.
type State int

const (
	NotStarted State = iota
	ScanningBlobOnly
	ScanningSnapshotOnly
	ScanningBoth
	BlobScanCompletedSnapshotNotStarted
	BlobScanCompletedSnapshotInProgress
	SnapshotScanCompletedBlobNotStarted
	SnapshotScanCompletedBlobInProgress
	CleaningUp
	Completed
	Shutdown
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case ScanningBlobOnly:
		return "scanning_blob_only"
	case ScanningSnapshotOnly:
		return "scanning_snapshot_only"
	case ScanningBoth:
		return "scanning_both"
	case BlobScanCompletedSnapshotNotStarted:
		return "blob_scan_completed_snapshot_not_started"
	case BlobScanCompletedSnapshotInProgress:
		return "blob_scan_completed_snapshot_in_progress"
	case SnapshotScanCompletedBlobNotStarted:
		return "snapshot_scan_completed_blob_not_started"
	case SnapshotScanCompletedBlobInProgress:
		return "snapshot_scan_completed_blob_in_progress"
	case CleaningUp:
		return "cleaning_up"
	case Completed:
		return "completed"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a trigger presented to the state machine.
type Event int

const (
	StartBlobScan Event = iota
	StartSnapshotScan
	CompleteBlobScan
	CompleteSnapshotScan
	CompleteCleanup
	ShutdownEvent
	Reset
)

func (e Event) String() string {
	switch e {
	case StartBlobScan:
		return "start_blob_scan"
	case StartSnapshotScan:
		return "start_snapshot_scan"
	case CompleteBlobScan:
		return "complete_blob_scan"
	case CompleteSnapshotScan:
		return "complete_snapshot_scan"
	case CompleteCleanup:
		return "complete_cleanup"
	case ShutdownEvent:
		return "shutdown"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type stateEvent struct {
	state State
	event Event
}

// transitionMap is the exhaustive lookup table: any (state, event) pair
// not present here is an invalid transition and fails with a
// logic-violation error.
var transitionMap = map[stateEvent]State{
	{NotStarted, StartBlobScan}:     ScanningBlobOnly,
	{NotStarted, StartSnapshotScan}: ScanningSnapshotOnly,

	{ScanningBlobOnly, StartSnapshotScan}:  ScanningBoth,
	{ScanningBlobOnly, CompleteBlobScan}:   BlobScanCompletedSnapshotNotStarted,
	{ScanningSnapshotOnly, StartBlobScan}:  ScanningBoth,
	{ScanningSnapshotOnly, CompleteSnapshotScan}: SnapshotScanCompletedBlobNotStarted,

	{ScanningBoth, CompleteBlobScan}:     BlobScanCompletedSnapshotInProgress,
	{ScanningBoth, CompleteSnapshotScan}: SnapshotScanCompletedBlobInProgress,

	{BlobScanCompletedSnapshotNotStarted, StartSnapshotScan}:    BlobScanCompletedSnapshotInProgress,
	{BlobScanCompletedSnapshotNotStarted, CompleteSnapshotScan}: CleaningUp,

	{SnapshotScanCompletedBlobNotStarted, StartBlobScan}:      SnapshotScanCompletedBlobInProgress,
	{SnapshotScanCompletedBlobNotStarted, CompleteBlobScan}:   CleaningUp,

	{BlobScanCompletedSnapshotInProgress, CompleteSnapshotScan}: CleaningUp,
	{SnapshotScanCompletedBlobInProgress, CompleteBlobScan}:     CleaningUp,

	{CleaningUp, CompleteCleanup}: Completed,

	{NotStarted, ShutdownEvent}:                           Shutdown,
	{ScanningBlobOnly, ShutdownEvent}:                      Shutdown,
	{ScanningSnapshotOnly, ShutdownEvent}:                  Shutdown,
	{ScanningBoth, ShutdownEvent}:                          Shutdown,
	{BlobScanCompletedSnapshotNotStarted, ShutdownEvent}:   Shutdown,
	{BlobScanCompletedSnapshotInProgress, ShutdownEvent}:   Shutdown,
	{SnapshotScanCompletedBlobNotStarted, ShutdownEvent}:   Shutdown,
	{SnapshotScanCompletedBlobInProgress, ShutdownEvent}:   Shutdown,
	{CleaningUp, ShutdownEvent}:                            Shutdown,
	{Completed, ShutdownEvent}:                             Shutdown,
	{Shutdown, ShutdownEvent}:                              Shutdown,

	{Shutdown, Reset}: NotStarted,
}

// LogicError reports a misuse of the GC API: an undefined transition, or
// a call made more than once where the contract forbids it.
type LogicError struct {
	Reason string
}

func (e *LogicError) Error() string { return "blobgc: logic error: " + e.Reason }

// ScanMode distinguishes a snapshot scan the collector runs itself from
// one whose results are fed in from an external source.
type ScanMode int

const (
	ScanModeNone ScanMode = iota
	ScanModeInternal
	ScanModeExternal
)

// StateMachine is the thread-safe GC state tracker.
type StateMachine struct {
	mu          sync.Mutex
	state       State
	snapshotMode ScanMode
}

// NewStateMachine returns a state machine in NotStarted.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: NotStarted}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies event to the current state, returning the resulting
// state or a *LogicError if no such transition is defined.
func (m *StateMachine) Transition(event Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := transitionMap[stateEvent{m.state, event}]
	if !ok {
		return m.state, &LogicError{Reason: fmt.Sprintf("no transition from %s on %s", m.state, event)}
	}
	m.state = next
	if event == Reset {
		m.snapshotMode = ScanModeNone
	}
	return next, nil
}

// StartBlobScan transitions on start_blob_scan.
func (m *StateMachine) StartBlobScan() (State, error) {
	return m.Transition(StartBlobScan)
}

// StartSnapshotScan transitions on start_snapshot_scan, recording mode so
// the completing event can be checked against it.
func (m *StateMachine) StartSnapshotScan(mode ScanMode) (State, error) {
	m.mu.Lock()
	m.snapshotMode = mode
	m.mu.Unlock()
	return m.Transition(StartSnapshotScan)
}

// CompleteBlobScan transitions on complete_blob_scan.
func (m *StateMachine) CompleteBlobScan() (State, error) {
	return m.Transition(CompleteBlobScan)
}

// CompleteSnapshotScan transitions on complete_snapshot_scan. mode must
// match the mode passed to StartSnapshotScan.
func (m *StateMachine) CompleteSnapshotScan(mode ScanMode) (State, error) {
	m.mu.Lock()
	started := m.snapshotMode
	m.mu.Unlock()
	if started != mode {
		return m.State(), &LogicError{Reason: fmt.Sprintf("complete_snapshot_scan mode %v does not match start mode %v", mode, started)}
	}
	return m.Transition(CompleteSnapshotScan)
}

// CompleteCleanup transitions on complete_cleanup.
func (m *StateMachine) CompleteCleanup() (State, error) {
	return m.Transition(CompleteCleanup)
}

// Shutdown transitions on shutdown; valid from every state.
func (m *StateMachine) Shutdown() (State, error) {
	return m.Transition(ShutdownEvent)
}

// ResetFromShutdown transitions on reset; valid only from Shutdown.
func (m *StateMachine) ResetFromShutdown() (State, error) {
	return m.Transition(Reset)
}

// ForceSetState overrides the current state without going through a
// transition. Tests only.
func (m *StateMachine) ForceSetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
