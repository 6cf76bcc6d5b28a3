package core

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(index int, code string, price int64) pendingRecord {
	return pendingRecord{
		index:  index,
		line:   index + 1,
		raw:    map[string]string{"item_code": code},
		record: itemRecord{Code: code, Price: decimal.NewFromInt(price)},
	}
}

func TestWriterDeduplicatesWithinBatch(t *testing.T) {
	u := NewMemoryUpserter()
	w := NewWriter(u, itemsSchema(), 10)

	assert.Zero(t, w.Add(pending(1, "A1", 1)).Duplicates)
	assert.Zero(t, w.Add(pending(2, "B2", 2)).Duplicates)
	assert.Equal(t, int64(1), w.Add(pending(3, "A1", 3)).Duplicates)
	assert.Equal(t, 2, w.Pending())
	assert.False(t, w.Full())

	stats, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Written)
	assert.Equal(t, int64(2), stats.Created)
	assert.Zero(t, w.Pending())

	rec, _ := u.Get(itemsType, "A1")
	assert.True(t, rec.(itemRecord).Price.Equal(decimal.NewFromInt(3)), "last occurrence wins")
}

func TestWriterDeduplicatesAcrossBatches(t *testing.T) {
	u := NewMemoryUpserter()
	w := NewWriter(u, itemsSchema(), 2)

	w.Add(pending(1, "A1", 1))
	w.Add(pending(2, "B2", 2))
	require.True(t, w.Full())
	_, err := w.Flush(context.Background())
	require.NoError(t, err)

	w.Add(pending(3, "A1", 9))
	stats, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Written)
	assert.Equal(t, int64(1), stats.Duplicates)

	rec, _ := u.Get(itemsType, "A1")
	assert.True(t, rec.(itemRecord).Price.Equal(decimal.NewFromInt(9)), "the later value is still written")
}

func TestWriterCountsUpdates(t *testing.T) {
	u := NewMemoryUpserter()
	w := NewWriter(u, itemsSchema(), 10)
	w.Add(pending(1, "A1", 1))
	_, err := w.Flush(context.Background())
	require.NoError(t, err)

	w2 := NewWriter(u, itemsSchema(), 10)
	w2.Add(pending(1, "A1", 2))
	w2.Add(pending(2, "C3", 2))
	stats, err := w2.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Updated)
	assert.Equal(t, int64(1), stats.Created)
}

func TestWriterDemotesRejectedRows(t *testing.T) {
	u := NewMemoryUpserter()
	u.Reject = func(r Record) error {
		if r.NaturalKey() == "B2" {
			return errors.New("violates check constraint")
		}
		return nil
	}
	w := NewWriter(u, itemsSchema(), 10)
	w.Add(pending(1, "A1", 1))
	w.Add(pending(2, "B2", 2))

	stats, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Written)
	require.Len(t, stats.Demoted, 1)
	assert.Equal(t, 2, stats.Demoted[0].OriginalIndex)
	assert.Equal(t, 3, stats.Demoted[0].Line)
	assert.Equal(t, "write rejected: violates check constraint", stats.Demoted[0].ErrorReason)
}

func TestWriterStorageError(t *testing.T) {
	u := NewMemoryUpserter()
	u.SetDown(errors.New("connection reset by peer"))
	w := NewWriter(u, itemsSchema(), 10)
	w.Add(pending(1, "A1", 1))

	_, err := w.Flush(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, w.Pending(), "the failed batch is dropped")
}

type shortUpserter struct{}

func (shortUpserter) Upsert(context.Context, SchemaDefinition, []Record) ([]UpsertOutcome, error) {
	return nil, nil
}

func TestWriterOutcomeMismatch(t *testing.T) {
	w := NewWriter(shortUpserter{}, itemsSchema(), 10)
	w.Add(pending(1, "A1", 1))
	_, err := w.Flush(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestWriteStatsAdd(t *testing.T) {
	var s WriteStats
	s.add(WriteStats{Written: 1, Created: 1})
	s.add(WriteStats{Written: 2, Updated: 2, Duplicates: 1, Demoted: []FailedRecord{{OriginalIndex: 4}}})
	assert.Equal(t, int64(3), s.Written)
	assert.Equal(t, int64(1), s.Created)
	assert.Equal(t, int64(2), s.Updated)
	assert.Equal(t, int64(1), s.Duplicates)
	assert.Len(t, s.Demoted, 1)
}
