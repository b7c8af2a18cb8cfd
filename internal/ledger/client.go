package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Client implements interfaces.Ledger on top of a Gateway. Every call runs
// under the configured deadline and is traced, measured and logged.
type Client struct {
	gateway   Gateway
	chaincode string
	timeout   time.Duration
	logger    *logger.Logger
	metrics   *monitoring.Metrics
}

// NewClient creates a new typed ledger client
func NewClient(gw Gateway, chaincode string, timeout time.Duration, log *logger.Logger, metrics *monitoring.Metrics) *Client {
	return &Client{
		gateway:   gw,
		chaincode: chaincode,
		timeout:   timeout,
		logger:    log,
		metrics:   metrics,
	}
}

// IsPatient checks the patient registry
func (c *Client) IsPatient(ctx context.Context, addr types.Address) (bool, error) {
	return c.evaluateBool(ctx, types.FnIsPatient, addr.String())
}

// IsDoctor checks the doctor registry
func (c *Client) IsDoctor(ctx context.Context, addr types.Address) (bool, error) {
	return c.evaluateBool(ctx, types.FnIsDoctor, addr.String())
}

// IsLab checks the lab registry
func (c *Client) IsLab(ctx context.Context, addr types.Address) (bool, error) {
	return c.evaluateBool(ctx, types.FnIsLab, addr.String())
}

// GetParticipant reads the registration of an address
func (c *Client) GetParticipant(ctx context.Context, addr types.Address) (*types.Participant, error) {
	var p types.Participant
	if err := c.evaluateJSON(ctx, &p, types.FnGetParticipant, addr.String()); err != nil {
		return nil, err
	}
	return &p, nil
}

// Register records a new participant
func (c *Client) Register(ctx context.Context, p *types.Participant) error {
	_, err := c.submit(ctx, types.FnRegister, p.Address.String(), string(p.Role), p.ProfileHash, p.Specialization, p.LabName)
	return err
}

// UpdateProfile re-points the profile hash of a participant
func (c *Client) UpdateProfile(ctx context.Context, addr types.Address, profileHash string) error {
	_, err := c.submit(ctx, types.FnUpdateProfile, addr.String(), profileHash)
	return err
}

// ListParticipants lists registered addresses of a role
func (c *Client) ListParticipants(ctx context.Context, role types.Role) ([]types.Address, error) {
	return c.evaluateAddresses(ctx, types.FnListParticipants, string(role))
}

// GrantAccess writes a grant; false means it was already active
func (c *Client) GrantAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	return c.submitBool(ctx, types.FnGrantAccess, patient.String(), doctor.String())
}

// RevokeAccess removes a grant; false means none was active
func (c *Client) RevokeAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	return c.submitBool(ctx, types.FnRevokeAccess, patient.String(), doctor.String())
}

// HasAccess reads the grant state of a pair
func (c *Client) HasAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	return c.evaluateBool(ctx, types.FnHasAccess, patient.String(), doctor.String())
}

// AllowedDoctors reads the patient's grant index
func (c *Client) AllowedDoctors(ctx context.Context, patient types.Address) ([]types.Address, error) {
	return c.evaluateAddresses(ctx, types.FnAllowedDoctors, patient.String())
}

// DoctorPatients reads the doctor's reverse grant index
func (c *Client) DoctorPatients(ctx context.Context, doctor types.Address) ([]types.Address, error) {
	return c.evaluateAddresses(ctx, types.FnDoctorPatients, doctor.String())
}

// AppendRecord appends a record pointer, idempotent per content hash
func (c *Client) AppendRecord(ctx context.Context, patient, addedBy types.Address, contentHash, metaHash string) (*types.AppendResult, error) {
	payload, err := c.submit(ctx, types.FnAppendRecord, patient.String(), addedBy.String(), contentHash, metaHash)
	if err != nil {
		return nil, err
	}
	var res types.AppendResult
	if err := c.decode(types.FnAppendRecord, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Records reads the patient's record pointer list
func (c *Client) Records(ctx context.Context, patient types.Address) ([]types.RecordPointer, error) {
	records := make([]types.RecordPointer, 0)
	if err := c.evaluateJSON(ctx, &records, types.FnGetRecords, patient.String()); err != nil {
		return nil, err
	}
	return records, nil
}

// AppendMessage appends a message hash to the pair's thread
func (c *Client) AppendMessage(ctx context.Context, patient, doctor, sender types.Address, hash string) (*types.AppendResult, error) {
	payload, err := c.submit(ctx, types.FnAppendMessage, patient.String(), doctor.String(), sender.String(), hash)
	if err != nil {
		return nil, err
	}
	var res types.AppendResult
	if err := c.decode(types.FnAppendMessage, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Messages reads the pair's message hash list
func (c *Client) Messages(ctx context.Context, patient, doctor types.Address) ([]string, error) {
	hashes := make([]string, 0)
	if err := c.evaluateJSON(ctx, &hashes, types.FnGetMessages, patient.String(), doctor.String()); err != nil {
		return nil, err
	}
	return hashes, nil
}

// CreateLabRequest files a lab request and returns its index
func (c *Client) CreateLabRequest(ctx context.Context, req *types.LabRequest) (int, error) {
	payload, err := c.submit(ctx, types.FnCreateLabRequest, req.Doctor.String(), req.Patient.String(), req.Lab.String(), req.TestMessage, req.ReportHash)
	if err != nil {
		return 0, err
	}
	index, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, types.NewInternalError(types.FnCreateLabRequest, "malformed ledger response", err)
	}
	return index, nil
}

// LabRequests reads the patient's lab request list
func (c *Client) LabRequests(ctx context.Context, patient types.Address) ([]types.LabRequest, error) {
	requests := make([]types.LabRequest, 0)
	if err := c.evaluateJSON(ctx, &requests, types.FnGetLabRequests, patient.String()); err != nil {
		return nil, err
	}
	return requests, nil
}

// ApproveLabRequest moves a request to PatientApproved
func (c *Client) ApproveLabRequest(ctx context.Context, patient types.Address, index int) (*types.LabRequest, error) {
	return c.submitLabRequest(ctx, types.FnApproveLabRequest, patient.String(), strconv.Itoa(index))
}

// CompleteLabRequest attaches a result and appends it to the patient's records
func (c *Client) CompleteLabRequest(ctx context.Context, lab, patient types.Address, index int, resultHash string) (*types.LabRequest, error) {
	return c.submitLabRequest(ctx, types.FnCompleteLabRequest, lab.String(), patient.String(), strconv.Itoa(index), resultHash)
}

// LabQueue reads the lab's reverse index
func (c *Client) LabQueue(ctx context.Context, lab types.Address) ([]types.LabQueueEntry, error) {
	entries := make([]types.LabQueueEntry, 0)
	if err := c.evaluateJSON(ctx, &entries, types.FnGetLabQueue, lab.String()); err != nil {
		return nil, err
	}
	return entries, nil
}

// Ping performs a cheap read for health checks
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.evaluate(ctx, types.FnListParticipants, string(types.RoleLab))
	return err
}

// Close closes the underlying gateway
func (c *Client) Close() error {
	return c.gateway.Close()
}

func (c *Client) submitLabRequest(ctx context.Context, function string, args ...string) (*types.LabRequest, error) {
	payload, err := c.submit(ctx, function, args...)
	if err != nil {
		return nil, err
	}
	var req types.LabRequest
	if err := c.decode(function, payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) submitBool(ctx context.Context, function string, args ...string) (bool, error) {
	payload, err := c.submit(ctx, function, args...)
	if err != nil {
		return false, err
	}
	return c.parseBool(function, payload)
}

func (c *Client) evaluateBool(ctx context.Context, function string, args ...string) (bool, error) {
	payload, err := c.evaluate(ctx, function, args...)
	if err != nil {
		return false, err
	}
	return c.parseBool(function, payload)
}

func (c *Client) evaluateAddresses(ctx context.Context, function string, args ...string) ([]types.Address, error) {
	list := make([]types.Address, 0)
	if err := c.evaluateJSON(ctx, &list, function, args...); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) evaluateJSON(ctx context.Context, v interface{}, function string, args ...string) error {
	payload, err := c.evaluate(ctx, function, args...)
	if err != nil {
		return err
	}
	return c.decode(function, payload, v)
}

func (c *Client) parseBool(function string, payload []byte) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(string(payload)))
	if err != nil {
		return false, types.NewInternalError(function, "malformed ledger response", err)
	}
	return b, nil
}

func (c *Client) decode(function string, payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return types.NewInternalError(function, "malformed ledger response", err)
	}
	return nil
}

// submit invokes a state-changing function (for write operations)
func (c *Client) submit(ctx context.Context, function string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := monitoring.StartLedgerSpan(ctx, c.chaincode, function, "submit")
	defer span.End()

	start := time.Now()
	payload, txID, err := c.gateway.Submit(ctx, function, args...)
	c.metrics.RecordLedgerTransaction(function, "submit", err == nil, time.Since(start))

	if err != nil {
		cerr := c.mapError(ctx, function, args, true, err)
		monitoring.RecordError(span, err)
		c.logger.LedgerTransaction(ctx, function, args, false, txID, map[string]interface{}{
			"error": err.Error(),
			"kind":  cerr.Kind,
		})
		return nil, cerr
	}

	c.logger.LedgerTransaction(ctx, function, args, true, txID, nil)
	return payload, nil
}

// evaluate queries a read-only function (for read operations)
func (c *Client) evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := monitoring.StartLedgerSpan(ctx, c.chaincode, function, "evaluate")
	defer span.End()

	start := time.Now()
	payload, err := c.gateway.Evaluate(ctx, function, args...)
	c.metrics.RecordLedgerTransaction(function, "evaluate", err == nil, time.Since(start))

	if err != nil {
		cerr := c.mapError(ctx, function, args, false, err)
		monitoring.RecordError(span, err)
		c.logger.LedgerTransaction(ctx, function, args, false, "", map[string]interface{}{
			"error": err.Error(),
			"kind":  cerr.Kind,
		})
		return nil, cerr
	}
	return payload, nil
}

// mapError converts gateway failures into coordination errors. Contract
// rejections keep their own kind; anything else is a ledger failure, or a
// timeout when the call deadline expired.
func (c *Client) mapError(ctx context.Context, function string, args []string, write bool, err error) *types.CoordError {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}

	var ce *ChaincodeError
	if errors.As(err, &ce) {
		kind, msg := ce.Kind()
		if kind == types.ErrorKindInternal {
			return types.NewError(kind, function, target, "ledger rejected the transaction", err)
		}
		return types.NewError(kind, function, target, msg, err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewTimeoutError(function, target, fmt.Errorf("%w: %v", context.DeadlineExceeded, err))
	}
	return types.NewLedgerError(function, target, write, err)
}
