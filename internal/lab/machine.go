package lab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/medrex/nuvora-ehr/internal/access"
	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/content"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

const maxTestMessageLength = 1000

// DefaultMaxUploadBytes bounds a result file when no limit is configured
const DefaultMaxUploadBytes int64 = 10 << 20

// ResultContentTypes are the sniffed content types accepted as lab results
var ResultContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// Machine drives lab test requests through
// Requested -> PatientApproved -> Completed. There is no cancellation.
type Machine struct {
	ledger    interfaces.Ledger
	content   interfaces.ContentStore
	access    *access.Manager
	resolver  *identity.Resolver
	trail     *audit.Trail
	logger    *logger.Logger
	metrics   *monitoring.Metrics
	maxUpload int64
}

// NewMachine creates a new lab request state machine
func NewMachine(
	ledger interfaces.Ledger,
	store interfaces.ContentStore,
	acl *access.Manager,
	resolver *identity.Resolver,
	trail *audit.Trail,
	log *logger.Logger,
	metrics *monitoring.Metrics,
	maxUpload int64,
) *Machine {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Machine{
		ledger:    ledger,
		content:   store,
		access:    acl,
		resolver:  resolver,
		trail:     trail,
		logger:    log,
		metrics:   metrics,
		maxUpload: maxUpload,
	}
}

// RequestTest files a test request for patient with lab. The doctor needs
// an active grant from the patient.
func (m *Machine) RequestTest(ctx context.Context, session *types.Session, patient, lab, testMessage, reportHash string) (*types.LabRequest, error) {
	req, err := m.requestTest(ctx, session, patient, lab, testMessage, reportHash)

	var details map[string]interface{}
	if req != nil {
		details = map[string]interface{}{"index": req.Index, "lab": req.Lab.String()}
	}
	m.trail.Emit(ctx, accountOf(session), types.AuditLabRequest, patient, err, details)
	return req, err
}

func (m *Machine) requestTest(ctx context.Context, session *types.Session, patient, lab, testMessage, reportHash string) (*types.LabRequest, error) {
	const op = "RequestTest"

	if err := session.Require(op, types.RoleDoctor); err != nil {
		return nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, types.Rebind(err, op, patient)
	}
	labAddr, err := types.ParseAddress(lab)
	if err != nil {
		return nil, types.Rebind(err, op, lab)
	}
	testMessage = strings.TrimSpace(testMessage)
	if testMessage == "" {
		return nil, types.NewValidationError(op, owner.String(), "test message is required")
	}
	if len(testMessage) > maxTestMessageLength {
		return nil, types.NewValidationError(op, owner.String(), fmt.Sprintf("test message exceeds %d characters", maxTestMessageLength))
	}
	reportHash = strings.TrimSpace(reportHash)
	if reportHash != "" {
		if _, err := content.ParseHash(reportHash); err != nil {
			return nil, types.NewValidationError(op, reportHash, "malformed report hash")
		}
	}

	if err := m.access.Authorize(ctx, session, owner); err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}

	req := &types.LabRequest{
		Patient:     owner,
		Doctor:      session.Address,
		Lab:         labAddr,
		TestMessage: testMessage,
		ReportHash:  reportHash,
	}
	index, err := m.ledger.CreateLabRequest(ctx, req)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}
	req.Index = index
	return req, nil
}

// Approve moves the session patient's request at index from Requested to
// PatientApproved.
func (m *Machine) Approve(ctx context.Context, session *types.Session, index int) (*types.LabRequest, error) {
	req, err := m.approve(ctx, session, index)
	m.trail.Emit(ctx, accountOf(session), types.AuditLabApprove, fmt.Sprintf("%d", index), err, nil)
	return req, err
}

func (m *Machine) approve(ctx context.Context, session *types.Session, index int) (*types.LabRequest, error) {
	const op = "Approve"

	if err := session.Require(op, types.RolePatient); err != nil {
		return nil, err
	}
	current, err := m.request(ctx, op, session.Address, index)
	if err != nil {
		return nil, err
	}
	if state := current.State(); state != types.LabStateRequested {
		return nil, types.NewInvalidStateError(op, requestRef(session.Address, index), fmt.Sprintf("request is %s, not awaiting approval", state))
	}

	req, err := m.ledger.ApproveLabRequest(ctx, session.Address, index)
	if err != nil {
		return nil, types.Rebind(err, op, requestRef(session.Address, index))
	}
	return req, nil
}

// UploadResult attaches resultHash to an approved request assigned to the
// session lab. The ledger appends the hash to the patient's record list in
// the same transaction.
func (m *Machine) UploadResult(ctx context.Context, session *types.Session, patient string, index int, resultHash string) (*types.LabRequest, error) {
	req, err := m.uploadResult(ctx, session, patient, index, resultHash)

	var details map[string]interface{}
	if req != nil {
		details = map[string]interface{}{"index": index, "result_hash": req.ResultHash}
	}
	m.trail.Emit(ctx, accountOf(session), types.AuditLabUpload, patient, err, details)
	return req, err
}

func (m *Machine) uploadResult(ctx context.Context, session *types.Session, patient string, index int, resultHash string) (*types.LabRequest, error) {
	const op = "UploadResult"

	if err := session.Require(op, types.RoleLab); err != nil {
		return nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, types.Rebind(err, op, patient)
	}
	resultHash = strings.TrimSpace(resultHash)
	if resultHash == "" {
		return nil, types.NewValidationError(op, owner.String(), "result hash is required")
	}
	if _, err := content.ParseHash(resultHash); err != nil {
		return nil, types.NewValidationError(op, resultHash, "malformed result hash")
	}
	return m.complete(ctx, op, session, owner, index, resultHash)
}

// UploadResultFile stores a result file and completes the request with its
// hash. The file must sniff as an image or PDF. The request is checked
// before the upload so that rejected transitions leave nothing behind.
func (m *Machine) UploadResultFile(ctx context.Context, session *types.Session, patient string, index int, file *types.RecordFile) (*types.LabRequest, error) {
	req, err := m.uploadResultFile(ctx, session, patient, index, file)

	var details map[string]interface{}
	if req != nil {
		details = map[string]interface{}{"index": index, "result_hash": req.ResultHash}
	}
	m.trail.Emit(ctx, accountOf(session), types.AuditLabUpload, patient, err, details)
	return req, err
}

func (m *Machine) uploadResultFile(ctx context.Context, session *types.Session, patient string, index int, file *types.RecordFile) (*types.LabRequest, error) {
	const op = "UploadResult"

	if err := session.Require(op, types.RoleLab); err != nil {
		return nil, err
	}
	owner, err := types.ParseAddress(patient)
	if err != nil {
		return nil, types.Rebind(err, op, patient)
	}
	if file == nil || len(file.Data) == 0 {
		return nil, types.NewValidationError(op, owner.String(), "result file is empty")
	}
	if int64(len(file.Data)) > m.maxUpload {
		return nil, types.NewValidationError(op, file.Name, fmt.Sprintf("result file exceeds %d bytes", m.maxUpload))
	}
	sniffed := SniffContentType(file.Data)
	if !ResultContentTypes[sniffed] {
		return nil, types.NewValidationError(op, file.Name, fmt.Sprintf("unsupported result type %s", sniffed))
	}

	current, err := m.request(ctx, op, owner, index)
	if err != nil {
		return nil, err
	}
	if !current.Lab.Equal(session.Address) {
		return nil, types.NewUnauthorizedError(op, requestRef(owner, index), "request is assigned to another lab")
	}
	switch current.State() {
	case types.LabStateRequested:
		return nil, types.NewInvalidStateError(op, requestRef(owner, index), "request is not approved by the patient")
	case types.LabStateCompleted:
		return nil, types.NewInvalidStateError(op, requestRef(owner, index), "request is already completed")
	}

	resultHash, err := m.content.Put(ctx, file.Data)
	if err != nil {
		return nil, types.Rebind(err, op, owner.String())
	}
	return m.complete(ctx, op, session, owner, index, resultHash)
}

func (m *Machine) complete(ctx context.Context, op string, session *types.Session, patient types.Address, index int, resultHash string) (*types.LabRequest, error) {
	req, err := m.ledger.CompleteLabRequest(ctx, session.Address, patient, index, resultHash)
	if err != nil {
		return nil, types.Rebind(err, op, requestRef(patient, index))
	}
	return req, nil
}

// ListForPatient returns the session patient's requests with the doctor and
// lab identities resolved.
func (m *Machine) ListForPatient(ctx context.Context, session *types.Session) (*types.LabRequestList, error) {
	const op = "ListLabRequests"

	if err := session.Require(op, types.RolePatient); err != nil {
		return nil, err
	}
	requests, err := m.ledger.LabRequests(ctx, session.Address)
	if err != nil {
		return nil, types.Rebind(err, op, session.Address.String())
	}

	views := make([]types.LabRequestView, len(requests))
	for i, req := range requests {
		views[i] = types.LabRequestView{LabRequest: req, State: req.State()}
	}
	list := &types.LabRequestList{Requests: views}
	list.Failures = m.hydrate(ctx, op, views)
	return list, nil
}

// PendingForLab returns the approved requests awaiting the session lab's
// result.
func (m *Machine) PendingForLab(ctx context.Context, session *types.Session) (*types.LabRequestList, error) {
	queue, err := m.Queue(ctx, session)
	if err != nil {
		return nil, err
	}
	return &types.LabRequestList{Requests: queue.Pending, Failures: queue.Failures}, nil
}

// CompletedForLab returns the requests the session lab has completed
func (m *Machine) CompletedForLab(ctx context.Context, session *types.Session) (*types.LabRequestList, error) {
	queue, err := m.Queue(ctx, session)
	if err != nil {
		return nil, err
	}
	return &types.LabRequestList{Requests: queue.Completed, Failures: queue.Failures}, nil
}

// Queue builds the lab dashboard from the ledger's lab -> (patient, index)
// index. Requests still awaiting patient approval are not shown to the lab.
func (m *Machine) Queue(ctx context.Context, session *types.Session) (*types.LabQueue, error) {
	const op = "LabQueue"

	if err := session.Require(op, types.RoleLab); err != nil {
		return nil, err
	}
	entries, err := m.ledger.LabQueue(ctx, session.Address)
	if err != nil {
		return nil, types.Rebind(err, op, session.Address.String())
	}

	// One ledger read per patient, not per entry
	patients := make([]types.Address, 0)
	byPatient := map[string][]types.LabQueueEntry{}
	for _, e := range entries {
		k := strings.ToLower(e.Patient.String())
		if _, ok := byPatient[k]; !ok {
			patients = append(patients, e.Patient)
		}
		byPatient[k] = append(byPatient[k], e)
	}

	lists := make([][]types.LabRequest, len(patients))
	errs := make([]error, len(patients))
	var wg sync.WaitGroup
	for i, p := range patients {
		wg.Add(1)
		go func(i int, p types.Address) {
			defer wg.Done()
			lists[i], errs[i] = m.ledger.LabRequests(ctx, p)
		}(i, p)
	}
	wg.Wait()

	queue := &types.LabQueue{Lab: session.Address, Pending: []types.LabRequestView{}, Completed: []types.LabRequestView{}}
	var views []types.LabRequestView
	for i, p := range patients {
		for _, e := range byPatient[strings.ToLower(p.String())] {
			ref := requestRef(e.Patient, e.Index)
			if errs[i] != nil {
				queue.Failures = append(queue.Failures, m.itemFailure(ctx, op, ref, errs[i]))
				continue
			}
			if e.Index < 0 || e.Index >= len(lists[i]) {
				queue.Failures = append(queue.Failures, m.itemFailure(ctx, op, ref,
					types.NewNotFoundError(op, ref, "queued request not found")))
				continue
			}
			req := lists[i][e.Index]
			if !req.Lab.Equal(session.Address) || req.State() == types.LabStateRequested {
				continue
			}
			views = append(views, types.LabRequestView{LabRequest: req, State: req.State()})
		}
	}

	queue.Failures = append(queue.Failures, m.hydrate(ctx, op, views)...)
	for _, v := range views {
		if v.State == types.LabStateCompleted {
			queue.Completed = append(queue.Completed, v)
		} else {
			queue.Pending = append(queue.Pending, v)
		}
	}
	return queue, nil
}

// hydrate resolves the participants of views in place. Identities that
// cannot be resolved are left nil and reported.
func (m *Machine) hydrate(ctx context.Context, op string, views []types.LabRequestView) []types.ItemFailure {
	seen := map[string]bool{}
	var addresses []types.Address
	add := func(a types.Address) {
		k := strings.ToLower(a.String())
		if a.IsZero() || seen[k] {
			return
		}
		seen[k] = true
		addresses = append(addresses, a)
	}
	for _, v := range views {
		add(v.Patient)
		add(v.LabRequest.Doctor)
		add(v.LabRequest.Lab)
	}
	if len(addresses) == 0 {
		return nil
	}

	resolved := m.resolver.ResolveMany(ctx, op, addresses)
	ids := make(map[string]*types.Identity, len(resolved.Identities))
	for _, id := range resolved.Identities {
		ids[strings.ToLower(id.Address.String())] = id
	}
	for i := range views {
		views[i].Owner = ids[strings.ToLower(views[i].Patient.String())]
		views[i].Doctor = ids[strings.ToLower(views[i].LabRequest.Doctor.String())]
		views[i].Lab = ids[strings.ToLower(views[i].LabRequest.Lab.String())]
	}
	return resolved.Failures
}

func (m *Machine) request(ctx context.Context, op string, patient types.Address, index int) (*types.LabRequest, error) {
	ref := requestRef(patient, index)
	if index < 0 {
		return nil, types.NewValidationError(op, ref, "request index must not be negative")
	}
	requests, err := m.ledger.LabRequests(ctx, patient)
	if err != nil {
		return nil, types.Rebind(err, op, ref)
	}
	if index >= len(requests) {
		return nil, types.NewNotFoundError(op, ref, "lab request not found")
	}
	return &requests[index], nil
}

func (m *Machine) itemFailure(ctx context.Context, op, item string, err error) types.ItemFailure {
	m.metrics.RecordBatchFailure(op, string(types.KindOf(err)))
	m.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": op,
		"request":   item,
		"error":     err.Error(),
	}).Warn("Failed to load lab request")
	return types.NewItemFailure(item, err)
}

// SniffContentType reports the content type of a result file from its
// leading bytes.
func SniffContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func requestRef(patient types.Address, index int) string {
	return fmt.Sprintf("%s/%d", patient.String(), index)
}

func accountOf(session *types.Session) types.Address {
	if session == nil {
		return ""
	}
	return session.Address
}
