package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

const batchUpsertSQL = `
INSERT INTO import_records (schema_type, natural_key, payload, source_job_id)
SELECT $1, t.natural_key, t.payload::jsonb, $4
FROM unnest($2::text[], $3::text[]) AS t(natural_key, payload)
ON CONFLICT (schema_type, natural_key) DO UPDATE
  SET payload = EXCLUDED.payload,
      source_job_id = EXCLUDED.source_job_id,
      updated_at = now()
RETURNING natural_key, (xmax = 0) AS inserted`

const rowUpsertSQL = `
INSERT INTO import_records (schema_type, natural_key, payload, source_job_id)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (schema_type, natural_key) DO UPDATE
  SET payload = EXCLUDED.payload,
      source_job_id = EXCLUDED.source_job_id,
      updated_at = now()
RETURNING (xmax = 0) AS inserted`

// Upserter is a core.Upserter on PostgreSQL.
//
// A batch is first written with a single statement. When that statement
// fails on a row-level problem the transaction is retried row by row, each
// row under its own savepoint, so only the offending rows are rejected.
type Upserter struct {
	pool *pgxpool.Pool
}

var _ core.Upserter = (*Upserter)(nil)

func NewUpserter(pool *pgxpool.Pool) *Upserter {
	return &Upserter{pool: pool}
}

func (u *Upserter) Upsert(ctx context.Context, def core.SchemaDefinition, records []core.Record) ([]core.UpsertOutcome, error) {
	out := make([]core.UpsertOutcome, len(records))
	if len(records) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(records))
	payloads := make([]string, 0, len(records))
	pos := make([]int, 0, len(records))
	for i, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			out[i].Err = fmt.Errorf("encode record: %w", err)
			continue
		}
		keys = append(keys, rec.NaturalKey())
		payloads = append(payloads, string(payload))
		pos = append(pos, i)
	}
	if len(keys) == 0 {
		return out, nil
	}
	jobID := core.JobIDFromContext(ctx)

	err := pgx.BeginFunc(ctx, u.pool, func(tx pgx.Tx) error {
		created, err := upsertBatch(ctx, tx, def.Type, keys, payloads, jobID)
		if err != nil {
			return err
		}
		for j, i := range pos {
			out[i].Created = created[keys[j]]
		}
		return nil
	})
	if err == nil {
		return out, nil
	}
	if !isRowLevel(err) {
		return nil, err
	}

	err = pgx.BeginFunc(ctx, u.pool, func(tx pgx.Tx) error {
		for j, i := range pos {
			created, rejected, err := upsertRow(ctx, tx, def.Type, keys[j], payloads[j], jobID)
			if err != nil {
				return err
			}
			out[i] = core.UpsertOutcome{Created: created, Err: rejected}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func upsertBatch(ctx context.Context, tx pgx.Tx, schemaType string, keys, payloads []string, jobID string) (map[string]bool, error) {
	rows, err := tx.Query(ctx, batchUpsertSQL, schemaType, keys, payloads, jobID)
	if err != nil {
		return nil, fmt.Errorf("upsert %s batch: %w", schemaType, err)
	}
	defer rows.Close()

	created := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		var inserted bool
		if err := rows.Scan(&key, &inserted); err != nil {
			return nil, fmt.Errorf("scan upsert result: %w", err)
		}
		created[key] = inserted
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upsert %s batch: %w", schemaType, err)
	}
	return created, nil
}

// upsertRow writes one record under a savepoint. A row-level failure is
// returned as rejected and rolled back to the savepoint; any other error
// aborts the batch.
func upsertRow(ctx context.Context, tx pgx.Tx, schemaType, key, payload, jobID string) (created bool, rejected, err error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("savepoint: %w", err)
	}

	err = sp.QueryRow(ctx, rowUpsertSQL, schemaType, key, payload, jobID).Scan(&created)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return false, nil, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		if isRowLevel(err) {
			return false, rejection(err), nil
		}
		return false, nil, fmt.Errorf("upsert %s row: %w", schemaType, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("release savepoint: %w", err)
	}
	return created, nil, nil
}

// isRowLevel reports whether err was caused by the data of a row rather
// than by the database: data exceptions (22), integrity constraint
// violations (23) and a key affected twice in one statement (21000).
func isRowLevel(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return pgErr.Code == "21000"
}

func rejection(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.ConstraintName != "" {
		return fmt.Errorf("%s (constraint %s)", pgErr.Message, pgErr.ConstraintName)
	}
	return errors.New(pgErr.Message)
}

// Count returns the number of stored records of a schema type.
func (u *Upserter) Count(ctx context.Context, schemaType string) (int64, error) {
	var n int64
	err := u.pool.QueryRow(ctx, `SELECT count(*) FROM import_records WHERE schema_type = $1`, schemaType).Scan(&n)
	return n, err
}

// Get returns the stored JSON document of one record.
func (u *Upserter) Get(ctx context.Context, schemaType, key string) (json.RawMessage, error) {
	var payload []byte
	err := u.pool.QueryRow(ctx,
		`SELECT payload FROM import_records WHERE schema_type = $1 AND natural_key = $2`,
		schemaType, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrRecordNotFound, schemaType, key)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}
