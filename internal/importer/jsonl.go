// Package importer bulk-loads objects into a bucket from JSONL files and
// writes buckets back out in the same format.
package importer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/storage"
)

// Record is one line of a JSONL file.
type Record struct {
	ID   string         `json:"id"`
	Data jsondiff.Value `json:"data"`
}

// Bucket is the destination of an import. *bucket.Bucket implements it.
type Bucket interface {
	Get(key string) (jsondiff.Value, error)
	Keys() ([]string, error)
	Save(key string, value jsondiff.Value) error
}

// Options contains configuration for an import
type Options struct {
	DryRun    bool // Preview without saving
	Overwrite bool // Replace objects that already exist with different data
}

// Result contains statistics about the import
type Result struct {
	Imported int
	Skipped  int
	Errors   []string
}

// FromJSONL reads a JSONL file of records.
func FromJSONL(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// ReadJSONL decodes records from r, one JSON value per line. Blank lines
// are skipped.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	decoder := json.NewDecoder(bufio.NewReader(r))
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		if rec.ID == "" {
			return nil, fmt.Errorf("record %d has no id", lineNum)
		}
		records = append(records, rec)
	}

	return records, nil
}

// Import saves records into b.
//
// Records that are not JSON objects are reported in Result.Errors. Records
// equal to the stored object are skipped, as are records for existing keys
// unless opts.Overwrite is set.
func Import(b Bucket, records []Record, opts Options) (*Result, error) {
	if b == nil {
		return nil, fmt.Errorf("bucket cannot be nil")
	}
	result := &Result{}

	for _, rec := range records {
		if rec.Data.Kind() != jsondiff.KindObject {
			result.Errors = append(result.Errors,
				fmt.Sprintf("record %s: data must be a JSON object (got %s)", rec.ID, rec.Data.Kind()))
			continue
		}

		existing, err := b.Get(rec.ID)
		switch {
		case err == nil && existing.Equal(rec.Data):
			result.Skipped++
			continue
		case err == nil && !opts.Overwrite:
			result.Skipped++
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to load %s: %v", rec.ID, err))
			continue
		}

		if !opts.DryRun {
			if err := b.Save(rec.ID, rec.Data); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to save %s: %v", rec.ID, err))
				continue
			}
		}
		result.Imported++
	}

	return result, nil
}

// WriteJSONL writes every object of b to w as records, in key order.
func WriteJSONL(w io.Writer, b Bucket) (int, error) {
	keys, err := b.Keys()
	if err != nil {
		return 0, fmt.Errorf("failed to list objects: %w", err)
	}

	encoder := json.NewEncoder(w)
	written := 0
	for _, key := range keys {
		value, err := b.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("failed to load %s: %w", key, err)
		}
		if err := encoder.Encode(Record{ID: key, Data: value}); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", key, err)
		}
		written++
	}
	return written, nil
}
