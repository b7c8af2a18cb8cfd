package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/database"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// PostgresRecorder persists audit entries in the audit_entries table
type PostgresRecorder struct {
	db      *database.DB
	logger  *logger.Logger
	metrics *monitoring.Metrics
}

// NewPostgresRecorder creates a new Postgres-backed recorder
func NewPostgresRecorder(db *database.DB, log *logger.Logger, metrics *monitoring.Metrics) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: log, metrics: metrics}
}

// Migrate creates the audit schema
func (r *PostgresRecorder) Migrate(ctx context.Context) error {
	return r.db.CreateSchema(ctx)
}

// Record inserts an audit entry
func (r *PostgresRecorder) Record(ctx context.Context, entry *types.AuditEntry) error {
	ctx, span := monitoring.StartDatabaseSpan(ctx, "insert", "audit_entries")
	defer span.End()

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, account, action, resource, success, error_kind, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		entry.ID,
		strings.ToLower(entry.Account.String()),
		entry.Action,
		entry.Resource,
		entry.Success,
		nullString(string(entry.ErrorKind)),
		details,
		entry.Timestamp,
	)
	duration := time.Since(start)
	r.metrics.RecordDBQuery("insert", duration)

	var rows int64
	if err == nil {
		rows, _ = result.RowsAffected()
	}
	r.logger.DatabaseOperation(ctx, "insert", "audit_entries", duration.Milliseconds(), rows, err == nil)

	if err != nil {
		monitoring.RecordError(span, err)
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries of account first
func (r *PostgresRecorder) List(ctx context.Context, account types.Address, limit int) ([]*types.AuditEntry, error) {
	ctx, span := monitoring.StartDatabaseSpan(ctx, "select", "audit_entries")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account, action, resource, success, error_kind, details, created_at
		FROM audit_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2`

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, strings.ToLower(account.String()), limit)
	r.metrics.RecordDBQuery("select", time.Since(start))
	if err != nil {
		monitoring.RecordError(span, err)
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*types.AuditEntry, 0)
	for rows.Next() {
		var (
			e         types.AuditEntry
			errorKind sql.NullString
			details   []byte
		)
		if err := rows.Scan(&e.ID, &e.Account, &e.Action, &e.Resource, &e.Success, &errorKind, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ErrorKind = types.ErrorKind(errorKind.String)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
