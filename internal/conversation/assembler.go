package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medrex/nuvora-ehr/internal/access"
	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/cache"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

const (
	maxMessageLength = 5000

	// maxConcurrentFetches bounds content reads per thread load
	maxConcurrentFetches = 16
)

// Assembler reconstructs patient to doctor chat threads from the ledger's
// hash list and the message documents in content storage.
type Assembler struct {
	ledger  interfaces.Ledger
	content interfaces.ContentStore
	access  *access.Manager
	cache   *cache.PairCache
	trail   *audit.Trail
	logger  *logger.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewAssembler creates a new conversation assembler
func NewAssembler(
	ledger interfaces.Ledger,
	content interfaces.ContentStore,
	acl *access.Manager,
	pairs *cache.PairCache,
	trail *audit.Trail,
	log *logger.Logger,
	metrics *monitoring.Metrics,
) *Assembler {
	return &Assembler{
		ledger:  ledger,
		content: content,
		access:  acl,
		cache:   pairs,
		trail:   trail,
		logger:  log,
		metrics: metrics,
		now:     time.Now,
	}
}

// LoadConversation assembles the thread between the session and
// counterpart. Messages that cannot be fetched are replaced by placeholders
// and reported in Failures. The result replaces the cached thread.
func (a *Assembler) LoadConversation(ctx context.Context, session *types.Session, counterpart string) (*types.Conversation, error) {
	conv, err := a.loadConversation(ctx, session, counterpart)

	var details map[string]interface{}
	if conv != nil {
		details = map[string]interface{}{
			"messages": len(conv.Messages),
			"failures": len(conv.Failures),
		}
	}
	a.trail.Emit(ctx, accountOf(session), types.AuditLoadMessages, counterpart, err, details)
	return conv, err
}

func (a *Assembler) loadConversation(ctx context.Context, session *types.Session, counterpart string) (*types.Conversation, error) {
	const op = "LoadConversation"

	patient, doctor, err := a.access.AuthorizePair(ctx, session, counterpart)
	if err != nil {
		return nil, types.Rebind(err, op, counterpart)
	}

	hashes, err := a.ledger.Messages(ctx, patient, doctor)
	if err != nil {
		return nil, types.Rebind(err, op, counterpart)
	}

	messages := make([]types.ChatMessage, len(hashes))
	errs := make([]error, len(hashes))
	loadedAt := a.now().UTC()

	sem := make(chan struct{}, maxConcurrentFetches)
	var wg sync.WaitGroup
	for i, hash := range hashes {
		wg.Add(1)
		go func(i int, hash string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var msg types.ChatMessage
			if err := a.content.GetJSON(ctx, hash, &msg); err != nil {
				errs[i] = err
				messages[i] = types.Placeholder(hash, loadedAt)
				return
			}
			msg.Hash = hash
			messages[i] = msg
		}(i, hash)
	}
	wg.Wait()

	conv := &types.Conversation{Patient: patient, Doctor: doctor, Messages: messages}
	for i, err := range errs {
		if err == nil {
			continue
		}
		a.metrics.RecordBatchFailure(op, string(types.KindOf(err)))
		a.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"patient": patient.String(),
			"doctor":  doctor.String(),
			"hash":    hashes[i],
			"error":   err.Error(),
		}).Warn("Failed to load message, substituting placeholder")
		conv.Failures = append(conv.Failures, types.NewItemFailure(hashes[i], err))
	}

	types.SortMessages(conv.Messages)
	a.cache.SetConversation(patient, doctor, conv.Messages)
	return conv, nil
}

// SendMessage stores a message document and appends its hash to the pair's
// thread. The message is added to the cached thread marked pending until
// the next load replaces it.
func (a *Assembler) SendMessage(ctx context.Context, session *types.Session, counterpart, text string) (*types.ChatMessage, error) {
	msg, err := a.sendMessage(ctx, session, counterpart, text)

	var details map[string]interface{}
	if msg != nil {
		details = map[string]interface{}{"hash": msg.Hash}
	}
	a.trail.Emit(ctx, accountOf(session), types.AuditSendMessage, counterpart, err, details)
	return msg, err
}

func (a *Assembler) sendMessage(ctx context.Context, session *types.Session, counterpart, text string) (*types.ChatMessage, error) {
	const op = "SendMessage"

	if err := session.Require(op, types.RolePatient, types.RoleDoctor); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.NewValidationError(op, counterpart, "message is empty")
	}
	if len(text) > maxMessageLength {
		return nil, types.NewValidationError(op, counterpart, fmt.Sprintf("message exceeds %d characters", maxMessageLength))
	}

	patient, doctor, err := a.access.AuthorizePair(ctx, session, counterpart)
	if err != nil {
		return nil, types.Rebind(err, op, counterpart)
	}

	msg := types.ChatMessage{
		Message:        text,
		Sender:         session.Address,
		SenderType:     session.Role,
		Timestamp:      a.now().UTC(),
		PatientAddress: patient,
		DoctorAddress:  doctor,
	}
	hash, err := a.content.PutJSON(ctx, msg)
	if err != nil {
		return nil, types.Rebind(err, op, counterpart)
	}
	if _, err := a.ledger.AppendMessage(ctx, patient, doctor, session.Address, hash); err != nil {
		return nil, types.Rebind(err, op, counterpart)
	}

	msg.Hash = hash
	a.cache.AppendPending(patient, doctor, msg)
	msg.Pending = true
	return &msg, nil
}

// CachedConversation returns the locally cached thread without reading
// message content. The pair's grant is still checked on the ledger, so a
// thread cached just before a revoke is never served after it.
func (a *Assembler) CachedConversation(ctx context.Context, session *types.Session, counterpart string) (*types.Conversation, bool, error) {
	patient, doctor, err := a.access.AuthorizePair(ctx, session, counterpart)
	if err != nil {
		return nil, false, types.Rebind(err, "CachedConversation", counterpart)
	}

	messages, ok := a.cache.Conversation(patient, doctor)
	if !ok {
		return nil, false, nil
	}
	return &types.Conversation{Patient: patient, Doctor: doctor, Messages: messages}, true, nil
}

func accountOf(session *types.Session) types.Address {
	if session == nil {
		return ""
	}
	return session.Address
}
