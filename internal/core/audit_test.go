package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := ContextWithIPAddress(context.Background(), "10.1.1.1")

	data := []byte("item_code,price\nA1,1\nB2,x\n")
	ticket := h.initiate(t, itemsType, "items.csv", data)
	res, err := h.svc.Complete(ctx, completeRequest(ticket, data))
	require.NoError(t, err)
	assert.Equal(t, itemsType, res.SchemaType)
	h.wait(t, res.JobID)

	_, err = h.svc.Retry(ctx, res.JobID, 2, map[string]string{"price": "2"})
	require.NoError(t, err)

	var entries []AuditEntry
	require.Eventually(t, func() bool {
		entries, err = h.svc.GetAuditLog(context.Background(), AuditFilter{JobID: res.JobID})
		return err == nil && len(entries) == 3
	}, time.Second, 5*time.Millisecond)

	actions := map[AuditAction]AuditEntry{}
	for _, e := range entries {
		actions[e.Action] = e
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, itemsType, e.SchemaType)
	}
	require.Contains(t, actions, ActionImportQueued)
	require.Contains(t, actions, ActionImportCompleted)
	require.Contains(t, actions, ActionRecordRetried)
	assert.Equal(t, "10.1.1.1", actions[ActionImportQueued].IPAddress)
	assert.Equal(t, "10.1.1.1", actions[ActionImportCompleted].IPAddress, "taken from the job")
	assert.Equal(t, int64(1), actions[ActionImportCompleted].RowsAffected)
	assert.Equal(t, SeverityMedium, actions[ActionImportCompleted].Severity)

	initiated, err := h.svc.GetAuditLog(context.Background(), AuditFilter{Action: ActionUploadInitiated})
	require.NoError(t, err)
	require.Len(t, initiated, 1)
	assert.Equal(t, ticket.UploadID, initiated[0].UploadID)
	assert.Equal(t, SeverityLow, initiated[0].Severity)
}

func TestAuditFailedJob(t *testing.T) {
	h := newHarness(t)
	jobID := h.importCSV(t, "item_code,name\nA1,x\n")
	h.wait(t, jobID)

	require.Eventually(t, func() bool {
		entries, _ := h.svc.GetAuditLog(context.Background(), AuditFilter{Action: ActionImportFailed})
		return len(entries) == 1 && entries[0].Severity == SeverityHigh
	}, time.Second, 5*time.Millisecond)

	entries, _ := h.svc.GetAuditLog(context.Background(), AuditFilter{Action: ActionImportFailed})
	assert.Contains(t, entries[0].Reason, "VAL004")
}

func TestMemoryAuditLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryAuditLog(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, AuditEntry{
			ID:         string(rune('a' + i)),
			Action:     ActionImportQueued,
			SchemaType: []string{"items", "staff"}[i%2],
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := log.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest entries are dropped")
	assert.Equal(t, "e", all[0].ID, "newest first")

	items, err := log.List(ctx, AuditFilter{SchemaType: "items"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	recent, err := log.List(ctx, AuditFilter{Since: base.Add(4 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := log.List(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
