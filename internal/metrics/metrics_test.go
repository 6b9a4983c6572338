package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func TestNewDevice(t *testing.T) {
	// Create a fresh registry for this test
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	// Re-register standard collectors
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := NewDevice("disk0")
	if m == nil {
		t.Fatal("NewDevice returned nil")
	}

	// Verify all metrics are initialized
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"BytesRead", m.BytesRead},
		{"BytesWritten", m.BytesWritten},
		{"BlocksSynced", m.BlocksSynced},
		{"BlocksElided", m.BlocksElided},
		{"BlocksFailed", m.BlocksFailed},
		{"VerifyMismatches", m.VerifyMismatches},
		{"WorkDispatched", m.WorkDispatched},
		{"RecvDropped", m.RecvDropped},
		{"LocalIOErrors", m.LocalIOErrors},
		{"ConnState", m.ConnState},
		{"SessionsFinished", m.SessionsFinished},
		{"SessionSeconds", m.SessionSeconds},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestDeviceCounterIncrement(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := NewDevice("disk0")

	m.BlocksSynced.Add(100)
	m.BytesWritten.Add(1024)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]float64{}
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() != nil {
				found[mf.GetName()] = metric.GetCounter().GetValue()
			}
		}
	}

	if got := found["blocksync_blocks_synced_total"]; got != 100 {
		t.Errorf("blocks synced = %v, want 100", got)
	}
	if got := found["blocksync_bytes_written_total"]; got != 1024 {
		t.Errorf("bytes written = %v, want 1024", got)
	}
}
