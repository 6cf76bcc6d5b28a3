package core

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryRoundTrip(t *testing.T) {
	h := newHarness(t)
	job := h.wait(t, h.importCSV(t, "item_code,price\nA1,100\n,200\nA1,150\n"))
	require.Len(t, job.FailedRecords, 1)

	res, err := h.svc.Retry(context.Background(), job.JobID, 2, map[string]string{"Kode Item": "B2"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Created)
	assert.Empty(t, res.FailedRecords)
	assert.NotNil(t, res.FailedRecords)

	rec, ok := h.upserter.Get(itemsType, "B2")
	require.True(t, ok)
	assert.True(t, rec.(itemRecord).Price.Equal(decimal.NewFromInt(200)), "uncorrected fields come from the stored row")

	after, err := h.svc.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.RowsFailed)
	assert.Equal(t, int64(3), after.RowsValid)
	assert.Equal(t, int64(2), after.RowsWritten)
	assert.Equal(t, int64(2), after.RowsCreated)
	assert.Equal(t, after.RowsParsed, after.RowsValid+after.RowsFailed)

	_, err = h.svc.Retry(context.Background(), job.JobID, 2, map[string]string{"item_code": "B2"})
	assert.ErrorIs(t, err, ErrRecordNotFound, "a retried record is gone")
}

func TestRetryUpdatesExistingKey(t *testing.T) {
	h := newHarness(t)
	job := h.wait(t, h.importCSV(t, "item_code,price\nA1,1\nB2,oops\n"))

	_, err := h.svc.Retry(context.Background(), job.JobID, 2, map[string]string{"item_code": "A1", "price": "7"})
	require.NoError(t, err)

	after, err := h.svc.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.RowsUpdated)
	rec, _ := h.upserter.Get(itemsType, "A1")
	assert.True(t, rec.(itemRecord).Price.Equal(decimal.NewFromInt(7)))
}

func TestRetryStillInvalid(t *testing.T) {
	h := newHarness(t)
	job := h.wait(t, h.importCSV(t, "item_code,price\nA1,abc\n"))

	res, err := h.svc.Retry(context.Background(), job.JobID, 1, map[string]string{"harga": "still bad"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "invalid number")
	require.Len(t, res.FailedRecords, 1)
	assert.Equal(t, "still bad", res.FailedRecords[0].RawRecord["price"])
	assert.Equal(t, res.Reason, res.FailedRecords[0].ErrorReason)

	after, err := h.svc.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.RowsFailed)
	assert.Zero(t, h.upserter.Count(itemsType))
}

func TestRetryWriteRejected(t *testing.T) {
	h := newHarness(t)
	job := h.wait(t, h.importCSV(t, "item_code,price\nA1,abc\n"))
	h.upserter.Reject = func(Record) error { return errors.New("violates foreign key constraint") }

	res, err := h.svc.Retry(context.Background(), job.JobID, 1, map[string]string{"price": "1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "write rejected")
}

func TestRetryErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Retry(ctx, "missing", 1, nil)
	assert.ErrorIs(t, err, ErrJobNotFound)

	job := h.wait(t, h.importCSV(t, "item_code,price\nA1,abc\n"))
	_, err = h.svc.Retry(ctx, job.JobID, 5, nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	h.upserter.SetDown(errors.New("connection refused"))
	_, err = h.svc.Retry(ctx, job.JobID, 1, map[string]string{"price": "1"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, "DB008", MapError(err).Code)

	running := &ImportJob{JobID: "running", SchemaType: itemsType, Phase: PhaseWriting,
		FailedRecords: []FailedRecord{{OriginalIndex: 1}}}
	require.NoError(t, h.store.CreateJob(ctx, running))
	_, err = h.svc.Retry(ctx, "running", 1, nil)
	assert.ErrorIs(t, err, ErrJobNotFinished)
	assert.Equal(t, "IMP005", MapError(err).Code)
}
