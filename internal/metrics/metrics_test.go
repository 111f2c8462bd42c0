package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func freshRegistry() {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
}

func TestNewCollectorRegistersMetrics(t *testing.T) {
	freshRegistry()
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families, got none")
	}
}

func TestRecordCompactionUpdatesHistogramsWithoutPanic(t *testing.T) {
	freshRegistry()
	c := NewCollector()

	for i := 0; i < 3; i++ {
		c.RecordCompaction(100*(i+1), 0.25)
	}
	c.SetEpochSwitched(42)
	c.SetEpochInformed(41)
	c.RecordEpochUpdateFailure()
	c.RecordGCScan(7)
	c.RecordGCDeleted(3)
	c.RecordBackupBegin()
	c.RecordBackupEnd()
}
