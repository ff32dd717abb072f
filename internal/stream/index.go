package stream

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// Index records (sequence, capture timestamp, byte offset) for every
// retained sample of one stream. Independent clocks and independent drop
// patterns across streams are re-synchronized offline from these files.
type Index struct {
	file  *os.File
	w     *csv.Writer
	count atomic.Uint64
}

// NewIndex creates <name>.index in folder.
func NewIndex(folder, name string) (*Index, error) {
	path := filepath.Join(folder, name+".index")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create index %s: %w", path, err)
	}

	ix := &Index{file: f, w: csv.NewWriter(f)}
	if err := ix.w.Write([]string{"seq", "timestamp_ns", "offset"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write index header: %w", err)
	}
	return ix, nil
}

// Append records one retained sample.
func (ix *Index) Append(seq uint64, timestamp time.Time, offset int64) error {
	row := []string{
		strconv.FormatUint(seq, 10),
		strconv.FormatInt(timestamp.UnixNano(), 10),
		strconv.FormatInt(offset, 10),
	}
	if err := ix.w.Write(row); err != nil {
		return fmt.Errorf("failed to append to index: %w", err)
	}
	ix.count.Add(1)
	return nil
}

// Count returns the number of indexed samples. Status consumers read it
// while the owning writer appends.
func (ix *Index) Count() uint64 { return ix.count.Load() }

func (ix *Index) Close() error {
	ix.w.Flush()
	if err := ix.w.Error(); err != nil {
		ix.file.Close()
		return fmt.Errorf("failed to flush index: %w", err)
	}
	return ix.file.Close()
}
