package audit

import (
	"context"
	"strings"
	"sync"

	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// LogRecorder writes audit entries to the structured log and keeps the most
// recent ones in a ring buffer for the audit view.
type LogRecorder struct {
	mu     sync.RWMutex
	logger *logger.Logger
	ring   []*types.AuditEntry
	next   int
	full   bool
}

// NewLogRecorder creates a recorder holding up to size entries in memory
func NewLogRecorder(log *logger.Logger, size int) *LogRecorder {
	if size <= 0 {
		size = 1000
	}
	return &LogRecorder{
		logger: log,
		ring:   make([]*types.AuditEntry, size),
	}
}

// Record logs the entry and keeps it in memory
func (r *LogRecorder) Record(ctx context.Context, entry *types.AuditEntry) error {
	details := map[string]interface{}{
		"audit_id":   entry.ID,
		"request_id": logger.RequestID(ctx),
	}
	for k, v := range entry.Details {
		details[k] = v
	}
	if entry.ErrorKind != "" {
		details["error_kind"] = entry.ErrorKind
	}
	r.logger.Audit(entry.Account.String(), entry.Action, entry.Resource, entry.Success, details)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = entry
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// List returns the newest entries of account first
func (r *LogRecorder) List(ctx context.Context, account types.Address, limit int) ([]*types.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.ring)
	}
	out := make([]*types.AuditEntry, 0)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.ring)) % len(r.ring)
		e := r.ring[idx]
		if e == nil || !strings.EqualFold(e.Account.String(), account.String()) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
