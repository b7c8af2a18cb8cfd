package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Trail is what coordinators use to emit audit entries. A failing sink never
// fails the audited operation; the failure is logged instead.
type Trail struct {
	recorder interfaces.AuditRecorder
	logger   *logger.Logger
	metrics  *monitoring.Metrics
}

// NewTrail creates a new audit trail over a recorder
func NewTrail(recorder interfaces.AuditRecorder, log *logger.Logger, metrics *monitoring.Metrics) *Trail {
	return &Trail{recorder: recorder, logger: log, metrics: metrics}
}

// Emit records the outcome of an action. err == nil marks success.
func (t *Trail) Emit(ctx context.Context, account types.Address, action, resource string, err error, details map[string]interface{}) {
	if t == nil {
		return
	}
	entry := &types.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Account:   account,
		Action:    action,
		Resource:  resource,
		Success:   err == nil,
		ErrorKind: types.KindOf(err),
		Details:   details,
	}
	t.metrics.RecordAuditEvent(action, entry.Success)

	if rerr := t.recorder.Record(ctx, entry); rerr != nil {
		t.logger.WithContext(ctx).WithError(rerr).WithField("action", action).Error("Failed to record audit entry")
	}
}

// List returns the most recent entries of an account
func (t *Trail) List(ctx context.Context, account types.Address, limit int) ([]*types.AuditEntry, error) {
	entries, err := t.recorder.List(ctx, account, limit)
	if err != nil {
		return nil, types.NewInternalError("ListAudit", "audit trail unavailable", err)
	}
	return entries, nil
}
