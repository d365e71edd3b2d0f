package loadtest

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/ghostsync/internal/storage"
)

func setupRun(t *testing.T, opts Options) *Run {
	t.Helper()
	r, err := Setup(opts)
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSetup_InvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Writers = 0
	if _, err := Setup(opts); err == nil {
		t.Error("Setup() with zero writers should fail")
	}

	opts = DefaultOptions()
	opts.Backend = "tape"
	if _, err := Setup(opts); err == nil {
		t.Error("Setup() with unknown backend should fail")
	}
}

// TestConcurrentSaves_Backends runs a small load against every backend.
func TestConcurrentSaves_Backends(t *testing.T) {
	tests := []struct {
		backend string
		file    string
	}{
		{backend: storage.BackendMemory},
		{backend: storage.BackendSQLite, file: "load.db"},
		{backend: storage.BackendBolt, file: "load.bolt"},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			opts := Options{Backend: tt.backend, Buckets: 2, Writers: 4, Keys: 2, Rounds: 3}
			if tt.file != "" {
				opts.Path = filepath.Join(t.TempDir(), tt.file)
			}
			r := setupRun(t, opts)

			stats, err := r.RunConcurrentSaves()
			if err != nil {
				t.Fatalf("RunConcurrentSaves() failed: %v", err)
			}
			if stats.Errors > 0 {
				t.Errorf("Got %d errors during saves", stats.Errors)
			}
			if stats.TotalSaves != 2*4*2*3 {
				t.Errorf("Expected 48 saves, got %d", stats.TotalSaves)
			}

			if err := r.Verify(); err != nil {
				t.Fatalf("Verify() failed: %v", err)
			}

			summaries, err := r.GetStats()
			if err != nil {
				t.Fatalf("GetStats() failed: %v", err)
			}
			for _, s := range summaries {
				if s.Objects != 8 || s.Queued != 24 {
					t.Errorf("%s: objects=%d queued=%d, want 8 and 24", s.Bucket, s.Objects, s.Queued)
				}
				if s.QueueBytes == 0 {
					t.Errorf("%s: queue not persisted", s.Bucket)
				}
			}
		})
	}
}

// TestConcurrentSaves_100Writers checks that saves stay serialized per bucket
// with many writers.
func TestConcurrentSaves_100Writers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	r := setupRun(t, Options{Backend: storage.BackendMemory, Buckets: 1, Writers: 100, Keys: 1, Rounds: 3})

	stats, err := r.RunConcurrentSaves()
	if err != nil {
		t.Fatalf("RunConcurrentSaves() failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during saves", stats.Errors)
	}
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}

	var buf bytes.Buffer
	stats.Print(&buf)
	t.Log(buf.String())
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)

	got := []time.Duration{stats.Min, stats.P50, stats.P95, stats.P99, stats.Max}
	want := []time.Duration{1 * time.Millisecond, 51 * time.Millisecond, 96 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("percentiles mismatch (-want +got):\n%s", diff)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if stats.TotalSaves != 100 {
		t.Errorf("TotalSaves = %d, want 100", stats.TotalSaves)
	}

	if empty := computeLatencyStats(nil); empty.TotalSaves != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestLatencyStats_Print(t *testing.T) {
	var buf bytes.Buffer
	computeLatencyStats([]time.Duration{time.Millisecond}).Print(&buf)
	if !strings.Contains(buf.String(), "Total Saves:   1") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
