package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	itemsType     = "items"
	transfersType = "transfers"
)

type itemRecord struct {
	Code  string
	Name  string
	Price decimal.Decimal
}

func (r itemRecord) SchemaType() string { return itemsType }
func (r itemRecord) NaturalKey() string { return r.Code }

func itemsSchema() SchemaDefinition {
	return SchemaDefinition{
		Type:        itemsType,
		Label:       "Items",
		KeyFields:   []string{"item_code"},
		MaxFileSize: 1 << 20,
		Fields: []FieldSpec{
			{Name: "item_code", Aliases: []string{"Kode Item", "sku"}, Type: FieldCode, Required: true},
			{Name: "item_name", Aliases: []string{"nama"}, Type: FieldText},
			{Name: "price", Aliases: []string{"harga"}, Type: FieldDecimal, Required: true},
			{Name: "status", Type: FieldEnum, EnumValues: []string{"active", "inactive"}},
		},
		Build: func(v Values) (Record, error) {
			price, _ := v.Decimal("price")
			if price.IsNegative() {
				return nil, &FieldError{Field: "price", Reason: "must not be negative"}
			}
			return itemRecord{Code: v.String("item_code"), Name: v.String("item_name"), Price: price}, nil
		},
	}
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(itemsSchema())

	transfers := itemsSchema()
	transfers.Type = transfersType
	transfers.Label = "Transfers"
	transfers.MaxFileSize = 250 << 20
	r.Register(transfers)
	return r
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *memObjects) PresignPut(_ context.Context, key, _ string, expiry time.Duration) (UploadTarget, error) {
	return UploadTarget{
		URL:       "memory://uploads/" + key,
		Method:    http.MethodPut,
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

func (m *memObjects) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjects) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// recordingObserver collects finished jobs.
type recordingObserver struct {
	mu   sync.Mutex
	jobs []*ImportJob
}

func (o *recordingObserver) JobFinished(_ context.Context, job *ImportJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, job)
}

func (o *recordingObserver) Finished() []*ImportJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*ImportJob(nil), o.jobs...)
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	objects  *memObjects
	upserter *MemoryUpserter
	observer *recordingObserver
	audit    *MemoryAuditLog
}

func newHarness(t *testing.T, tune ...func(*ServiceConfig)) *harness {
	t.Helper()
	cfg := ServiceConfig{
		Runner: RunnerConfig{
			BatchSize:        2,
			ProgressEvery:    1,
			ProgressInterval: time.Millisecond,
			StallTimeout:     5 * time.Second,
			JobTimeout:       30 * time.Second,
		},
		MaxConcurrent: 2,
		MaxWait:       5 * time.Second,
	}
	for _, fn := range tune {
		fn(&cfg)
	}

	h := &harness{
		store:    NewMemoryStore(),
		objects:  newMemObjects(),
		upserter: NewMemoryUpserter(),
		observer: &recordingObserver{},
		audit:    NewMemoryAuditLog(0),
	}
	svc, err := NewService(ServiceDeps{
		Store:     h.store,
		Objects:   h.objects,
		Upserter:  h.upserter,
		Registry:  testRegistry(),
		Observers: []JobObserver{h.observer},
		Audit:     h.audit,
	}, cfg)
	require.NoError(t, err)
	h.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return h
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// initiate issues an upload handle and stores data under its key.
func (h *harness) initiate(t *testing.T, schemaType, fileName string, data []byte) UploadTicket {
	t.Helper()
	ticket, err := h.svc.Initiate(context.Background(), InitiateRequest{
		FileName:    fileName,
		ContentType: "text/csv",
		SchemaType:  schemaType,
	})
	require.NoError(t, err)
	h.objects.Put(ticket.FileKey, data)
	return ticket
}

func completeRequest(ticket UploadTicket, data []byte) CompleteRequest {
	return CompleteRequest{
		UploadID:       ticket.UploadID,
		FileKey:        ticket.FileKey,
		FileSize:       int64(len(data)),
		FileSHA256:     sha256Hex(data),
		IdempotencyKey: ticket.IdempotencyKey,
	}
}

// importCSV runs a file through initiate and complete and returns the job id.
func (h *harness) importCSV(t *testing.T, csv string) string {
	t.Helper()
	data := []byte(csv)
	ticket := h.initiate(t, itemsType, "items.csv", data)
	res, err := h.svc.Complete(context.Background(), completeRequest(ticket, data))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	return res.JobID
}

// wait blocks until the job is terminal and returns it.
func (h *harness) wait(t *testing.T, jobID string) *ImportJob {
	t.Helper()
	var job *ImportJob
	require.Eventually(t, func() bool {
		j, err := h.svc.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Phase.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// instance is a second Service sharing the harness's store, objects and
// upserter, as another server behind the same load balancer would.
type instance struct {
	svc      *Service
	observer *recordingObserver
}

func (h *harness) peer(t *testing.T) *instance {
	t.Helper()
	p := &instance{observer: &recordingObserver{}}
	svc, err := NewService(ServiceDeps{
		Store:     h.store,
		Objects:   h.objects,
		Upserter:  h.upserter,
		Registry:  testRegistry(),
		Observers: []JobObserver{p.observer},
	}, h.svc.cfg)
	require.NoError(t, err)
	p.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return p
}

// collect reads a subscription until it closes.
func collect(t *testing.T, sub *Subscription) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(events))
			return events
		}
	}
}
