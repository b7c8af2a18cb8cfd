package interfaces

import (
	"context"

	"github.com/medrex/nuvora-ehr/pkg/types"
)

// AuditRecorder persists the coordination audit trail
type AuditRecorder interface {
	Record(ctx context.Context, entry *types.AuditEntry) error
	List(ctx context.Context, account types.Address, limit int) ([]*types.AuditEntry, error)
}
