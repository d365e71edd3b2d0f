// Package loadtest drives concurrent local edits through buckets.
//
// Each writer owns a few keys in one bucket and saves a fresh revision of
// every key per round. All buckets share one store, so the run exercises the
// channel task loop, the change queue and the storage backend under
// contention. Verify then checks that the last revision of every key is the
// stored object and that one queued change exists per revision.
package loadtest

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/ghostsync/internal/bucket"
	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/storage"
	"github.com/steveyegge/ghostsync/internal/transport"
)

// Options describes the shape of a run.
type Options struct {
	// Backend and Path select the store, as in storage.Open.
	Backend string
	Path    string

	Buckets int
	// Writers is the number of concurrent writers per bucket.
	Writers int
	// Keys is the number of objects each writer owns.
	Keys int
	// Rounds is the number of revisions saved per key.
	Rounds int

	Logger *log.Logger
}

// DefaultOptions returns a small run on an in-memory store.
func DefaultOptions() Options {
	return Options{
		Backend: storage.BackendMemory,
		Buckets: 2,
		Writers: 10,
		Keys:    3,
		Rounds:  5,
	}
}

func (o Options) validate() error {
	if o.Buckets <= 0 || o.Writers <= 0 || o.Keys <= 0 || o.Rounds <= 0 {
		return fmt.Errorf("buckets, writers, keys and rounds must be positive")
	}
	return nil
}

// LatencyStats captures save latencies of a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalSaves int
	Errors     int
	Elapsed    time.Duration
	Durations  []time.Duration
}

// Run is a populated set of buckets ready for load.
type Run struct {
	opts    Options
	store   storage.Store
	buckets []*bucket.Bucket
}

// detached never delivers frames; channels that are not started do not send.
type detached struct{}

func (detached) Send(string) error { return transport.ErrNotConnected }

// Setup opens the store and one bucket per Options.Buckets.
func Setup(opts Options) (*Run, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	store, err := storage.Open(opts.Backend, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	r := &Run{opts: opts, store: store}
	for i := 0; i < opts.Buckets; i++ {
		b, err := bucket.New(BucketName(i), store, detached{}, &channel.Config{
			ClientID: "loadtest",
			Logger:   opts.Logger,
		})
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to open bucket %d: %w", i, err)
		}
		r.buckets = append(r.buckets, b)
	}
	return r, nil
}

// Close stops every bucket and closes the store.
func (r *Run) Close() error {
	for _, b := range r.buckets {
		_ = b.Close()
	}
	return r.store.Close()
}

// BucketName returns the name of the i-th bucket.
func BucketName(i int) string { return fmt.Sprintf("load-%02d", i) }

func objectKey(writer, key int) string {
	return fmt.Sprintf("w%03d-k%02d", writer, key)
}

// revision builds the object a writer saves for key in round.
func revision(writer, key, round int) jsondiff.Value {
	tags := []jsondiff.Value{jsondiff.String("loadtest")}
	for i := 0; i <= round%3; i++ {
		tags = append(tags, jsondiff.String(fmt.Sprintf("tag-%d", i)))
	}
	return jsondiff.Object(map[string]jsondiff.Value{
		"writer": jsondiff.Number(float64(writer)),
		"round":  jsondiff.Number(float64(round)),
		"title":  jsondiff.String(fmt.Sprintf("Object %d of writer %d, revision %d", key, writer, round)),
		"tags":   jsondiff.Array(tags...),
		"done":   jsondiff.Bool(round%2 == 1),
	})
}

// RunConcurrentSaves starts every writer at once and saves all revisions.
func (r *Run) RunConcurrentSaves() (*LatencyStats, error) {
	var wg sync.WaitGroup
	total := r.opts.Buckets * r.opts.Writers
	resultsChan := make(chan []time.Duration, total)
	errorsChan := make(chan error, total)

	start := time.Now()
	for _, b := range r.buckets {
		for w := 0; w < r.opts.Writers; w++ {
			wg.Add(1)
			go func(b *bucket.Bucket, writer int) {
				defer wg.Done()

				durations := make([]time.Duration, 0, r.opts.Keys*r.opts.Rounds)
				for round := 0; round < r.opts.Rounds; round++ {
					for k := 0; k < r.opts.Keys; k++ {
						began := time.Now()
						err := b.Save(objectKey(writer, k), revision(writer, k, round))
						durations = append(durations, time.Since(began))
						if err != nil {
							errorsChan <- fmt.Errorf("writer %d of %s failed: %w", writer, b.Name(), err)
							resultsChan <- durations
							return
						}
					}
				}
				resultsChan <- durations
			}(b, w)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for err := range errorsChan {
		errorCount++
		r.opts.Logger.Printf("Error: %v", err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no saves completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.Elapsed = elapsed
	return stats, nil
}

// Verify checks that every key holds its last revision and that every
// revision was queued.
func (r *Run) Verify() error {
	last := r.opts.Rounds - 1
	for _, b := range r.buckets {
		for w := 0; w < r.opts.Writers; w++ {
			for k := 0; k < r.opts.Keys; k++ {
				key := objectKey(w, k)
				got, err := b.Get(key)
				if err != nil {
					return fmt.Errorf("%s/%s: %w", b.Name(), key, err)
				}
				if want := revision(w, k, last); !got.Equal(want) {
					return fmt.Errorf("%s/%s holds %s, want %s", b.Name(), key, got, want)
				}
			}
		}

		status := b.Status()
		if want := r.opts.Writers * r.opts.Keys * r.opts.Rounds; status.Queued != want {
			return fmt.Errorf("%s has %d queued changes, want %d", b.Name(), status.Queued, want)
		}
	}
	return nil
}

// Summary is the per-bucket storage state after a run.
type Summary struct {
	Bucket     string `json:"bucket"`
	Objects    int    `json:"objects"`
	Queued     int    `json:"queued"`
	QueueBytes int    `json:"queue_bytes"`
}

// GetStats returns a summary of every bucket, in bucket order.
func (r *Run) GetStats() ([]Summary, error) {
	out := make([]Summary, 0, len(r.buckets))
	for _, b := range r.buckets {
		s, err := b.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to read stats of %s: %w", b.Name(), err)
		}
		out = append(out, Summary{
			Bucket:     b.Name(),
			Objects:    s.Objects,
			Queued:     b.Status().Queued,
			QueueBytes: s.QueueBytes,
		})
	}
	return out, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalSaves: len(durations),
		Durations:  sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Save latency:\n")
	fmt.Fprintf(w, "  Total Saves:   %d\n", s.TotalSaves)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
