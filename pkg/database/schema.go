package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the audit trail tables
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema")

	statements := []string{
		createAuditEntriesTable,
		createAuditEntriesIndexes,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

const (
	createAuditEntriesTable = `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			account VARCHAR(42) NOT NULL,
			action VARCHAR(64) NOT NULL,
			resource TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error_kind VARCHAR(32),
			details JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createAuditEntriesIndexes = `
		CREATE INDEX IF NOT EXISTS idx_audit_entries_account ON audit_entries(account, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);`
)
