package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// AuditLog is a core.AuditLog stored in import_audit_log.
type AuditLog struct {
	pool *pgxpool.Pool
}

var _ core.AuditLog = (*AuditLog)(nil)

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (a *AuditLog) Append(ctx context.Context, e core.AuditEntry) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO import_audit_log (
			id, action, severity, schema_type, job_id, upload_id,
			ip_address, user_agent, rows_affected, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Action), string(e.Severity), e.SchemaType, e.JobID, e.UploadID,
		e.IPAddress, e.UserAgent, e.RowsAffected, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (a *AuditLog) List(ctx context.Context, f core.AuditFilter) ([]core.AuditEntry, error) {
	wb := NewWhereBuilder()
	wb.Add("job_id", f.JobID)
	wb.Add("schema_type", f.SchemaType)
	wb.Add("action", string(f.Action))
	wb.AddSince("created_at", f.Since)
	whereClause, args := wb.Build()

	query := `SELECT id::text, action, severity, schema_type, job_id, upload_id,
		ip_address, user_agent, rows_affected, reason, created_at
		FROM import_audit_log` + whereClause + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", wb.NextArgIndex())
		args = append(args, f.Limit)
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditRow)
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	return entries, nil
}

func scanAuditRow(row pgx.CollectableRow) (core.AuditEntry, error) {
	var e core.AuditEntry
	var action, severity string
	err := row.Scan(
		&e.ID, &action, &severity, &e.SchemaType, &e.JobID, &e.UploadID,
		&e.IPAddress, &e.UserAgent, &e.RowsAffected, &e.Reason, &e.CreatedAt,
	)
	e.Action = core.AuditAction(action)
	e.Severity = core.AuditSeverity(severity)
	return e, err
}
