package records

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

// DefaultMaxUploadBytes bounds a record file when no limit is configured
const DefaultMaxUploadBytes int64 = 10 << 20

const maxDescriptionLength = 2000

// Coordinator adds record files to content storage and commits their
// pointers to the patient's ledger record list.
type Coordinator struct {
	ledger    interfaces.Ledger
	content   interfaces.ContentStore
	access    *access.Manager
	cache     *cache.PairCache
	trail     *audit.Trail
	logger    *logger.Logger
	metrics   *monitoring.Metrics
	maxUpload int64
	now       func() time.Time
}

// NewCoordinator creates a new record coordinator
func NewCoordinator(
	ledger interfaces.Ledger,
	content interfaces.ContentStore,
	acl *access.Manager,
	pairs *cache.PairCache,
	trail *audit.Trail,
	log *logger.Logger,
	metrics *monitoring.Metrics,
	maxUpload int64,
) *Coordinator {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Coordinator{
		ledger:    ledger,
		content:   content,
		access:    acl,
		cache:     pairs,
		trail:     trail,
		logger:    log,
		metrics:   metrics,
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

// MaxUploadBytes returns the configured file size limit
func (c *Coordinator) MaxUploadBytes() int64 {
	return c.maxUpload
}

// AddRecord stores file and its metadata, then commits the pointer. The
// ledger commit is the durability boundary: a retry after a failed commit
// uploads the same bytes again and still commits exactly one pointer.
func (c *Coordinator) AddRecord(ctx context.Context, session *types.Session, patient string, file *types.RecordFile, description string) (*types.Record, error) {
	record, err := c.addRecord(ctx, session, patient, file, description)

	var details map[string]interface{}
	if record != nil {
		details = map[string]interface{}{
			"content_hash": record.ContentHash,
			"index":        record.Index,
		}
	}
	c.trail.Emit(ctx, accountOf(session), types.AuditAddRecord, patient, err, details)
	return record, err
}

func (c *Coordinator) addRecord(ctx context.Context, session *types.Session, patient string, file *types.RecordFile, description string) (*types.Record, error) {
	const op = "AddRecord"

	if err := session.Require(op, types.RolePatient, types.RoleDoctor); err != nil {
		return nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, types.Rebind(err, op, patient)
	}
	if err := c.validateFile(op, file); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if len(description) > maxDescriptionLength {
		return nil, types.NewValidationError(op, owner.String(), fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	}

	if err := c.access.Authorize(ctx, session, owner); err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	contentHash, err := c.content.Put(ctx, file.Data)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	meta := &types.RecordMetadata{
		Description: description,
		Timestamp:   c.now().UTC(),
		AddedBy:     session.Address,
		Patient:     owner,
		FileName:    file.Name,
		ContentType: file.ContentType,
		Size:        int64(len(file.Data)),
	}
	metaHash, err := c.content.PutJSON(ctx, meta)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	res, err := c.ledger.AppendRecord(ctx, owner, session.Address, contentHash, metaHash)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	record := &types.Record{
		RecordPointer: types.RecordPointer{
			Patient:     owner,
			Index:       res.Index,
			ContentHash: contentHash,
			MetaHash:    metaHash,
			AddedBy:     session.Address,
			Source:      types.RecordSourceUpload,
		},
		Metadata: meta,
	}
	if !res.Appended {
		// Already committed; report the pointer the ledger holds
		if committed, err := c.committed(ctx, owner, res.Index); err == nil {
			record.RecordPointer = *committed
			record.Metadata = nil
			if committed.MetaHash == metaHash {
				record.Metadata = meta
			}
		}
		c.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"patient":      owner.String(),
			"content_hash": contentHash,
			"index":        res.Index,
		}).Info("Record already committed, append skipped")
	}
	return record, nil
}

func (c *Coordinator) validateFile(op string, file *types.RecordFile) error {
	if file == nil || len(file.Data) == 0 {
		return types.NewValidationError(op, "", "record file is empty")
	}
	if int64(len(file.Data)) > c.maxUpload {
		return types.NewValidationError(op, file.Name, fmt.Sprintf("record file exceeds %d bytes", c.maxUpload))
	}
	return nil
}

func (c *Coordinator) committed(ctx context.Context, patient types.Address, index int) (*types.RecordPointer, error) {
	pointers, err := c.ledger.Records(ctx, patient)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(pointers) {
		return nil, types.NewNotFoundError("AddRecord", patient.String(), "record pointer not found")
	}
	return &pointers[index], nil
}

// ListRecords returns the patient's record pointers in append order,
// hydrated with their metadata. Metadata that cannot be fetched leaves the
// record without metadata and is reported in Failures.
func (c *Coordinator) ListRecords(ctx context.Context, session *types.Session, patient string) (*types.RecordList, error) {
	list, err := c.listRecords(ctx, session, patient)

	var details map[string]interface{}
	if list != nil {
		details = map[string]interface{}{
			"count":    len(list.Records),
			"failures": len(list.Failures),
		}
	}
	c.trail.Emit(ctx, accountOf(session), types.AuditListRecords, patient, err, details)
	return list, err
}

func (c *Coordinator) listRecords(ctx context.Context, session *types.Session, patient string) (*types.RecordList, error) {
	const op = "ListRecords"

	if err := session.Require(op); err != nil {
		return nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, types.Rebind(err, op, patient)
	}
	if err := c.access.Authorize(ctx, session, owner); err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	pointers, err := c.ledger.Records(ctx, owner)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	known := map[string]*types.RecordMetadata{}
	if cached, ok := c.cache.Records(owner, session.Address); ok {
		for _, r := range cached {
			if r.Metadata != nil && r.MetaHash != "" {
				known[r.MetaHash] = r.Metadata
			}
		}
	}

	records := make([]types.Record, len(pointers))
	errs := make([]error, len(pointers))

	var wg sync.WaitGroup
	for i, ptr := range pointers {
		records[i] = types.Record{RecordPointer: ptr}
		if ptr.MetaHash == "" {
			continue
		}
		if meta, ok := known[ptr.MetaHash]; ok {
			records[i].Metadata = meta
			continue
		}
		wg.Add(1)
		go func(i int, hash string) {
			defer wg.Done()
			var meta types.RecordMetadata
			if err := c.content.GetJSON(ctx, hash, &meta); err != nil {
				errs[i] = err
				return
			}
			records[i].Metadata = &meta
		}(i, ptr.MetaHash)
	}
	wg.Wait()

	list := &types.RecordList{Patient: owner, Records: records}
	for i, err := range errs {
		if err == nil {
			continue
		}
		c.metrics.RecordBatchFailure(op, string(types.KindOf(err)))
		c.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"patient":   owner.String(),
			"index":     pointers[i].Index,
			"meta_hash": pointers[i].MetaHash,
			"error":     err.Error(),
		}).Warn("Failed to load record metadata")
		list.Failures = append(list.Failures, types.NewItemFailure(pointers[i].ContentHash, err))
	}

	c.cache.SetRecords(owner, session.Address, records)
	return list, nil
}

// Fetch returns the bytes of one of the patient's records
func (c *Coordinator) Fetch(ctx context.Context, session *types.Session, patient string, index int) ([]byte, *types.RecordPointer, error) {
	const op = "FetchRecord"

	if err := session.Require(op); err != nil {
		return nil, nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, nil, types.Rebind(err, op, patient)
	}
	if err := c.access.Authorize(ctx, session, owner); err != nil {
		return nil, nil, types.Rebind(err, op, owner.String())
	}

	pointers, err := c.ledger.Records(ctx, owner)
	if err != nil {
		return nil, nil, types.Rebind(err, op, owner.String())
	}
	if index < 0 || index >= len(pointers) {
		return nil, nil, types.NewNotFoundError(op, owner.String(), fmt.Sprintf("record %d not found", index))
	}

	ptr := pointers[index]
	data, err := c.content.Get(ctx, ptr.ContentHash)
	if err != nil {
		return nil, nil, types.Rebind(err, op, ptr.ContentHash)
	}
	return data, &ptr, nil
}

func accountOf(session *types.Session) types.Address {
	if session == nil {
		return ""
	}
	return session.Address
}
