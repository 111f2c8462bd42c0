package logchannel

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/beaver-ledger/ledgerstore/internal/epoch"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

type nopWriter struct{}

func (nopWriter) WriteDurableMarker(ledger.EpochID) error { return nil }

func readAllEntries(t *testing.T, data []byte) []ledger.LogEntry {
	t.Helper()
	var out []ledger.LogEntry
	r := bytes.NewReader(data)
	for {
		e, err := Decode(r)
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

func TestChannelSessionWritesBracketedEntries(t *testing.T) {
	m := walfile.NewMem()
	coord := epoch.New(nopWriter{}, epoch.Hooks{})
	_ = coord.SwitchEpoch(1)

	ch, err := Open(m, "pwal_0000", coord, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	sess, err := ch.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if sess.Epoch() != 1 {
		t.Fatalf("session epoch = %d, want 1", sess.Epoch())
	}
	if err := sess.AddEntry(1, "k1", []byte("v1"), 0, nil); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := sess.AddEntry(1, "k2", []byte("v2"), 1, []ledger.BlobID{100}); err != nil {
		t.Fatalf("AddEntry with blob: %v", err)
	}
	if err := sess.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	data, err := m.ReadFile("pwal_0000")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	entries := readAllEntries(t, data)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}
	if entries[0].Kind != ledger.EntryMarkerBegin || entries[3].Kind != ledger.EntryMarkerEnd {
		t.Fatalf("entries not bracketed by markers: %+v", entries)
	}
	if entries[1].Key != "k1" || entries[2].Key != "k2" {
		t.Fatalf("entries out of append order: %+v", entries)
	}

	if got := ch.FinishedEpoch(); got != 1 {
		t.Fatalf("FinishedEpoch() = %d, want 1", got)
	}
}

func TestSessionRejectsNonIncreasingMinor(t *testing.T) {
	m := walfile.NewMem()
	coord := epoch.New(nopWriter{}, epoch.Hooks{})
	_ = coord.SwitchEpoch(1)

	ch, err := Open(m, "pwal_0000", coord, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	sess, err := ch.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.AddEntry(1, "k1", []byte("v1"), 0, nil); err != nil {
		t.Fatalf("AddEntry(minor=0): %v", err)
	}
	if err := sess.AddEntry(1, "k2", []byte("v2"), 0, nil); err == nil {
		t.Fatal("expected a duplicate minor to be rejected")
	}
	if err := sess.Remove(1, "k1", 0); err == nil {
		t.Fatal("expected a non-increasing minor to be rejected on Remove")
	}
	if err := sess.AddEntry(1, "k3", []byte("v3"), 1, nil); err != nil {
		t.Fatalf("AddEntry(minor=1): %v", err)
	}
	if err := sess.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestChannelInvalidatesOnWriteFailure(t *testing.T) {
	m := walfile.NewMem()
	coord := epoch.New(nopWriter{}, epoch.Hooks{})
	_ = coord.SwitchEpoch(1)

	ch, err := Open(m, "pwal_0000", coord, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	sess, err := ch.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	m.FailWrite = func(path string) error { return errors.New("disk full") }

	err = sess.AddEntry(1, "k1", []byte("v1"), 0, nil)
	if err == nil {
		t.Fatal("expected AddEntry to fail")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("got %v, want *IOError", err)
	}
}

func TestChannelRotateOpensFreshFile(t *testing.T) {
	m := walfile.NewMem()
	coord := epoch.New(nopWriter{}, epoch.Hooks{})
	_ = coord.SwitchEpoch(1)

	ch, err := Open(m, "pwal_0000", coord, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sess, _ := ch.BeginSession()
	_ = sess.AddEntry(1, "k1", []byte("v1"), 0, nil)
	_ = sess.End()

	if err := ch.Rotate("pwal_0000.rotated"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer ch.Close()

	if !walfile.Exists(m, "pwal_0000.rotated") {
		t.Fatal("rotated file missing")
	}

	sess2, err := ch.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession after rotate: %v", err)
	}
	if err := sess2.End(); err != nil {
		t.Fatalf("End after rotate: %v", err)
	}

	data, err := m.ReadFile("pwal_0000")
	if err != nil {
		t.Fatalf("ReadFile active: %v", err)
	}
	entries := readAllEntries(t, data)
	if len(entries) != 2 {
		t.Fatalf("active file after rotate has %d entries, want 2 (fresh begin/end)", len(entries))
	}
}
