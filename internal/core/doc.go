// Package core provides the business logic for bulk tabular imports.
//
// This package contains all domain logic independent of any transport or
// storage engine. Web handlers, the PostgreSQL upserter, the Redis job store
// and the MinIO object store plug in through small interfaces.
//
// # Architecture
//
//   - Schema Registry: each importable schema type is registered with its
//     canonical fields, header aliases, field types, natural key and a Build
//     function producing a typed record.
//   - Coordinator: issues pre-authorized upload targets with server-generated
//     idempotency keys, and turns completed uploads into queued jobs.
//   - Runner: one goroutine per job drives parse, validate and batched write,
//     publishing progress as it goes.
//   - Publisher: coalescing per-subscriber mailboxes for push progress.
//   - Service: the facade used by the HTTP layer, including retry of failed
//     records and the maintenance scheduler.
//
// # Schema Registry
//
// Schema types are registered at init time using [Register]:
//
//	core.Register(core.SchemaDefinition{
//	    Type:      "pricelist",
//	    Label:     "Pricelist",
//	    KeyFields: []string{"item_code"},
//	    Fields: []core.FieldSpec{
//	        {Name: "item_code", Aliases: []string{"Kode Item", "sku"}, Type: core.FieldCode, Required: true},
//	        {Name: "price", Aliases: []string{"harga"}, Type: core.FieldDecimal, Required: true},
//	    },
//	    Build: buildPricelist,
//	})
//
// # Job Lifecycle
//
// Jobs move strictly forward: queued, parsing, validating, writing, then
// completed. Any non-terminal job may end as failed or cancelled. The
// counters always satisfy rowsParsed >= rowsValid >= rowsWritten, and at a
// terminal phase rowsValid + rowsFailed == rowsParsed.
//
// Row-level problems (malformed rows, validation failures, rows the database
// rejects) become FailedRecords and never stop a job. File-level problems
// (unsupported or corrupt container, empty file, missing required columns,
// checksum mismatch, storage outage) fail the job. Batches already committed
// stay committed.
//
// # Concurrency
//
// Different jobs writing the same natural key are not coordinated; the last
// write to reach storage wins.
//
// # Error Handling
//
// Sentinel errors live in errors.go and are tested with errors.Is. They are
// mapped to user-facing messages and support codes by [MapError]:
//
//   - IMP001-IMP009: Import errors (schema, idempotency, job state)
//   - UPL001-UPL006: Upload errors (handles, capacity, checksums)
//   - FILE001-FILE005: File errors (size, format, integrity)
//   - VAL001-VAL006: Row validation errors
//   - DB001-DB008: Database and storage errors
package core
