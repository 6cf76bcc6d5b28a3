package core

import (
	"context"
	"fmt"
)

// UpsertOutcome is the per-record result of a batch upsert. Err marks a
// row-level rejection (constraint or reference violation); Created
// distinguishes inserts from updates of an existing natural key.
type UpsertOutcome struct {
	Created bool
	Err     error
}

// Upserter persists typed records with upsert-by-natural-key semantics.
// A returned error means storage is unavailable and nothing in the call can
// be assumed durable; row-level problems are reported through the outcomes,
// one per input record in the same order.
type Upserter interface {
	Upsert(ctx context.Context, def SchemaDefinition, records []Record) ([]UpsertOutcome, error)
}

// pendingRecord is a validated row waiting for its batch.
type pendingRecord struct {
	index  int
	line   int
	raw    map[string]string
	record Record
}

// WriteStats is the delta produced by one Add or Flush.
type WriteStats struct {
	Written    int64
	Created    int64
	Updated    int64
	Duplicates int64
	Demoted    []FailedRecord
}

func (s *WriteStats) add(o WriteStats) {
	s.Written += o.Written
	s.Created += o.Created
	s.Updated += o.Updated
	s.Duplicates += o.Duplicates
	s.Demoted = append(s.Demoted, o.Demoted...)
}

// Writer batches validated records for one job.
//
// Within a batch a repeated natural key replaces the earlier record (last
// occurrence wins) and counts as a removed duplicate. Keys already written by
// an earlier batch of the same job are upserted again so the later value
// wins, but they count as duplicates rather than new writes.
type Writer struct {
	upserter  Upserter
	def       SchemaDefinition
	batchSize int

	buf     []pendingRecord
	bufKeys map[string]int
	written map[string]struct{}
}

// NewWriter returns a writer flushing every batchSize records.
func NewWriter(u Upserter, def SchemaDefinition, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Writer{
		upserter:  u,
		def:       def,
		batchSize: batchSize,
		buf:       make([]pendingRecord, 0, batchSize),
		bufKeys:   make(map[string]int, batchSize),
		written:   make(map[string]struct{}),
	}
}

// Add buffers a record and reports duplicates removed by it.
func (w *Writer) Add(p pendingRecord) WriteStats {
	key := p.record.NaturalKey()
	if pos, ok := w.bufKeys[key]; ok {
		w.buf[pos] = p
		return WriteStats{Duplicates: 1}
	}
	w.bufKeys[key] = len(w.buf)
	w.buf = append(w.buf, p)
	return WriteStats{}
}

// Full reports whether the buffer has reached the batch size.
func (w *Writer) Full() bool { return len(w.buf) >= w.batchSize }

// Pending returns the number of buffered records.
func (w *Writer) Pending() int { return len(w.buf) }

// Flush writes the buffered batch. On a storage error the batch is dropped
// and the error wraps ErrStorageUnavailable.
func (w *Writer) Flush(ctx context.Context) (WriteStats, error) {
	if len(w.buf) == 0 {
		return WriteStats{}, nil
	}
	batch := w.buf
	w.buf = make([]pendingRecord, 0, w.batchSize)
	w.bufKeys = make(map[string]int, w.batchSize)

	records := make([]Record, len(batch))
	for i, p := range batch {
		records[i] = p.record
	}

	outcomes, err := w.upserter.Upsert(ctx, w.def, records)
	if err != nil {
		return WriteStats{}, storageError(fmt.Errorf("upsert %s batch: %w", w.def.Type, err))
	}
	if len(outcomes) != len(records) {
		return WriteStats{}, storageError(fmt.Errorf("upsert %s batch: got %d outcomes for %d records", w.def.Type, len(outcomes), len(records)))
	}

	var stats WriteStats
	for i, o := range outcomes {
		p := batch[i]
		if o.Err != nil {
			stats.Demoted = append(stats.Demoted, FailedRecord{
				OriginalIndex: p.index,
				Line:          p.line,
				RawRecord:     p.raw,
				ErrorReason:   fmt.Sprintf("write rejected: %v", o.Err),
			})
			continue
		}
		key := p.record.NaturalKey()
		if _, seen := w.written[key]; seen {
			stats.Duplicates++
			continue
		}
		w.written[key] = struct{}{}
		stats.Written++
		if o.Created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}
