package core

import (
	"context"
	"sync"
)

// MemoryUpserter keeps records in process memory, keyed by schema type and
// natural key. It backs STORAGE_DRIVER=memory and the package tests.
type MemoryUpserter struct {
	mu      sync.Mutex
	records map[string]map[string]Record

	// Reject, when set, is consulted per record; a non-nil error becomes a
	// row-level rejection.
	Reject func(Record) error
	// Down, when set, makes every call fail as a storage outage.
	Down error
	// BeforeBatch runs before each batch is applied.
	BeforeBatch func(ctx context.Context, records []Record)

	batches int
}

// NewMemoryUpserter returns an empty in-memory store.
func NewMemoryUpserter() *MemoryUpserter {
	return &MemoryUpserter{records: make(map[string]map[string]Record)}
}

// Upsert implements Upserter.
func (m *MemoryUpserter) Upsert(ctx context.Context, def SchemaDefinition, records []Record) ([]UpsertOutcome, error) {
	if m.BeforeBatch != nil {
		m.BeforeBatch(ctx, records)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Down != nil {
		return nil, m.Down
	}
	m.batches++

	table, ok := m.records[def.Type]
	if !ok {
		table = make(map[string]Record)
		m.records[def.Type] = table
	}

	out := make([]UpsertOutcome, len(records))
	for i, rec := range records {
		if m.Reject != nil {
			if err := m.Reject(rec); err != nil {
				out[i].Err = err
				continue
			}
		}
		key := rec.NaturalKey()
		_, exists := table[key]
		table[key] = rec
		out[i].Created = !exists
	}
	return out, nil
}

// Get returns the stored record for a natural key.
func (m *MemoryUpserter) Get(schemaType, key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[schemaType][key]
	return rec, ok
}

// Count returns the number of stored records of a schema type.
func (m *MemoryUpserter) Count(schemaType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[schemaType])
}

// Batches returns how many batches were applied.
func (m *MemoryUpserter) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// SetDown toggles a simulated outage.
func (m *MemoryUpserter) SetDown(err error) {
	m.mu.Lock()
	m.Down = err
	m.mu.Unlock()
}
