package ehrledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

// SmartContract holds role registries, grant lists, record pointer lists,
// message hash lists and lab requests for the EHR coordination layer.
type SmartContract struct {
	contractapi.Contract
}

// Participant is a registered address
type Participant struct {
	Address        string `json:"address"`
	Role           string `json:"role"`
	ProfileHash    string `json:"profileHash"`
	Specialization string `json:"specialization,omitempty" metadata:",optional"`
	LabName        string `json:"labName,omitempty" metadata:",optional"`
	RegisteredAt   string `json:"registeredAt"`
}

// RecordEntry is one pointer in a patient's record list
type RecordEntry struct {
	Patient     string `json:"patient"`
	Index       int    `json:"index"`
	ContentHash string `json:"contentHash"`
	MetaHash    string `json:"metaHash,omitempty" metadata:",optional"`
	AddedBy     string `json:"addedBy"`
	Source      string `json:"source"`
	CommittedAt string `json:"committedAt"`
}

// AppendResult reports where an idempotent append landed
type AppendResult struct {
	Index    int  `json:"index"`
	Appended bool `json:"appended"`
}

// LabRequest is one entry in a patient's lab request list
type LabRequest struct {
	Index           int    `json:"index"`
	Patient         string `json:"patient"`
	Doctor          string `json:"doctor"`
	Lab             string `json:"lab"`
	TestMessage     string `json:"testMessage"`
	ReportHash      string `json:"reportHash,omitempty" metadata:",optional"`
	PatientApproved bool   `json:"patientApproved"`
	Completed       bool   `json:"completed"`
	ResultHash      string `json:"resultHash,omitempty" metadata:",optional"`
	CreatedAt       string `json:"createdAt"`
	ApprovedAt      string `json:"approvedAt,omitempty" metadata:",optional"`
	CompletedAt     string `json:"completedAt,omitempty" metadata:",optional"`
}

// LabQueueEntry points from a lab to a patient's lab request
type LabQueueEntry struct {
	Patient string `json:"patient"`
	Index   int    `json:"index"`
}

const (
	rolePatient = "patient"
	roleDoctor  = "doctor"
	roleLab     = "lab"

	sourceUpload = "upload"
	sourceLab    = "lab"
)

// Error prefixes understood by ledger clients
const (
	errUnauthorized = "UNAUTHORIZED"
	errNotFound     = "NOT_FOUND"
	errInvalidState = "INVALID_STATE"
	errConflict     = "CONFLICT"
	errValidation   = "VALIDATION_FAILED"
)

func rejectf(prefix, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", prefix, fmt.Sprintf(format, args...))
}

// Register records the role and profile pointer of a new participant.
// The role of an address can never change.
func (s *SmartContract) Register(ctx contractapi.TransactionContextInterface, address, role, profileHash, specialization, labName string) error {
	if address == "" {
		return rejectf(errValidation, "address is required")
	}
	if role != rolePatient && role != roleDoctor && role != roleLab {
		return rejectf(errValidation, "unknown role %s", role)
	}
	if profileHash == "" {
		return rejectf(errValidation, "profile hash is required")
	}
	if role == roleDoctor && specialization == "" {
		return rejectf(errValidation, "doctor registration requires a specialization")
	}
	if role == roleLab && labName == "" {
		return rejectf(errValidation, "lab registration requires a lab name")
	}

	existing, err := getParticipant(ctx, address)
	if err != nil {
		return err
	}
	if existing != nil {
		return rejectf(errConflict, "%s is already registered as %s", address, existing.Role)
	}

	members, err := getStringList(ctx, roleKey(role))
	if err != nil {
		return err
	}

	participant := Participant{
		Address:      address,
		Role:         role,
		ProfileHash:  profileHash,
		RegisteredAt: txTime(ctx),
	}
	switch role {
	case roleDoctor:
		participant.Specialization = specialization
	case roleLab:
		participant.LabName = labName
	}

	if err := putJSON(ctx, participantKey(address), participant); err != nil {
		return err
	}
	return putJSON(ctx, roleKey(role), append(members, address))
}

// UpdateProfile re-points the profile hash of a registered participant
func (s *SmartContract) UpdateProfile(ctx contractapi.TransactionContextInterface, address, profileHash string) error {
	if profileHash == "" {
		return rejectf(errValidation, "profile hash is required")
	}
	participant, err := requireParticipant(ctx, address)
	if err != nil {
		return err
	}
	participant.ProfileHash = profileHash
	return putJSON(ctx, participantKey(address), participant)
}

// GetParticipant returns the registration of an address
func (s *SmartContract) GetParticipant(ctx contractapi.TransactionContextInterface, address string) (*Participant, error) {
	return requireParticipant(ctx, address)
}

// IsPatient reports whether the address is registered as a patient
func (s *SmartContract) IsPatient(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	return hasRole(ctx, address, rolePatient)
}

// IsDoctor reports whether the address is registered as a doctor
func (s *SmartContract) IsDoctor(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	return hasRole(ctx, address, roleDoctor)
}

// IsLab reports whether the address is registered as a lab
func (s *SmartContract) IsLab(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	return hasRole(ctx, address, roleLab)
}

// ListParticipants returns every address registered with role
func (s *SmartContract) ListParticipants(ctx contractapi.TransactionContextInterface, role string) ([]string, error) {
	if role != rolePatient && role != roleDoctor && role != roleLab {
		return nil, rejectf(errValidation, "unknown role %s", role)
	}
	return getStringList(ctx, roleKey(role))
}

// GrantAccess lets doctor read the patient's records and chat. Returns false
// when the grant was already active.
func (s *SmartContract) GrantAccess(ctx contractapi.TransactionContextInterface, patient, doctor string) (bool, error) {
	if err := requireRole(ctx, patient, rolePatient); err != nil {
		return false, err
	}
	if err := requireRole(ctx, doctor, roleDoctor); err != nil {
		return false, err
	}

	doctors, err := getStringList(ctx, grantsKey(patient))
	if err != nil {
		return false, err
	}
	if containsAddress(doctors, doctor) {
		return false, nil
	}
	patients, err := getStringList(ctx, patientsKey(doctor))
	if err != nil {
		return false, err
	}

	if err := putJSON(ctx, grantsKey(patient), append(doctors, doctor)); err != nil {
		return false, err
	}
	if !containsAddress(patients, patient) {
		patients = append(patients, patient)
	}
	return true, putJSON(ctx, patientsKey(doctor), patients)
}

// RevokeAccess removes an active grant. Returns false when none existed.
func (s *SmartContract) RevokeAccess(ctx contractapi.TransactionContextInterface, patient, doctor string) (bool, error) {
	if err := requireRole(ctx, patient, rolePatient); err != nil {
		return false, err
	}

	doctors, err := getStringList(ctx, grantsKey(patient))
	if err != nil {
		return false, err
	}
	if !containsAddress(doctors, doctor) {
		return false, nil
	}
	patients, err := getStringList(ctx, patientsKey(doctor))
	if err != nil {
		return false, err
	}

	if err := putJSON(ctx, grantsKey(patient), removeAddress(doctors, doctor)); err != nil {
		return false, err
	}
	return true, putJSON(ctx, patientsKey(doctor), removeAddress(patients, patient))
}

// HasAccess reports whether doctor holds an active grant from patient
func (s *SmartContract) HasAccess(ctx contractapi.TransactionContextInterface, patient, doctor string) (bool, error) {
	doctors, err := getStringList(ctx, grantsKey(patient))
	if err != nil {
		return false, err
	}
	return containsAddress(doctors, doctor), nil
}

// AllowedDoctors returns the doctors holding an active grant from patient
func (s *SmartContract) AllowedDoctors(ctx contractapi.TransactionContextInterface, patient string) ([]string, error) {
	return getStringList(ctx, grantsKey(patient))
}

// DoctorPatients returns the patients that granted doctor access
func (s *SmartContract) DoctorPatients(ctx contractapi.TransactionContextInterface, doctor string) ([]string, error) {
	return getStringList(ctx, patientsKey(doctor))
}

// AppendRecord appends a content hash to the patient's record list. The
// append is idempotent per (patient, contentHash).
func (s *SmartContract) AppendRecord(ctx contractapi.TransactionContextInterface, patient, addedBy, contentHash, metaHash string) (*AppendResult, error) {
	if contentHash == "" {
		return nil, rejectf(errValidation, "content hash is required")
	}
	if err := requireRole(ctx, patient, rolePatient); err != nil {
		return nil, err
	}
	if !strings.EqualFold(patient, addedBy) {
		if err := requireGrant(ctx, patient, addedBy); err != nil {
			return nil, err
		}
	}

	records, err := getRecords(ctx, patient)
	if err != nil {
		return nil, err
	}
	return appendRecord(ctx, patient, records, RecordEntry{
		ContentHash: contentHash,
		MetaHash:    metaHash,
		AddedBy:     addedBy,
		Source:      sourceUpload,
	})
}

// GetRecords returns the patient's record pointers in append order
func (s *SmartContract) GetRecords(ctx contractapi.TransactionContextInterface, patient string) ([]RecordEntry, error) {
	return getRecords(ctx, patient)
}

// AppendMessage appends a message hash to the (patient, doctor) thread.
// Either side may send while the grant is active.
func (s *SmartContract) AppendMessage(ctx contractapi.TransactionContextInterface, patient, doctor, sender, hash string) (*AppendResult, error) {
	if hash == "" {
		return nil, rejectf(errValidation, "message hash is required")
	}
	if !strings.EqualFold(sender, patient) && !strings.EqualFold(sender, doctor) {
		return nil, rejectf(errUnauthorized, "%s is not part of this conversation", sender)
	}
	if err := requireGrant(ctx, patient, doctor); err != nil {
		return nil, err
	}

	hashes, err := getStringList(ctx, messagesKey(patient, doctor))
	if err != nil {
		return nil, err
	}
	for i, h := range hashes {
		if h == hash {
			return &AppendResult{Index: i, Appended: false}, nil
		}
	}
	if err := putJSON(ctx, messagesKey(patient, doctor), append(hashes, hash)); err != nil {
		return nil, err
	}
	return &AppendResult{Index: len(hashes), Appended: true}, nil
}

// GetMessages returns the message hashes of the (patient, doctor) thread in
// append order.
func (s *SmartContract) GetMessages(ctx contractapi.TransactionContextInterface, patient, doctor string) ([]string, error) {
	return getStringList(ctx, messagesKey(patient, doctor))
}

// CreateLabRequest files a test request in state Requested and indexes it
// under the lab. The doctor needs an active grant from the patient.
func (s *SmartContract) CreateLabRequest(ctx contractapi.TransactionContextInterface, doctor, patient, lab, testMessage, reportHash string) (int, error) {
	if strings.TrimSpace(testMessage) == "" {
		return 0, rejectf(errValidation, "test message is required")
	}
	if err := requireRole(ctx, doctor, roleDoctor); err != nil {
		return 0, err
	}
	if err := requireRole(ctx, lab, roleLab); err != nil {
		return 0, err
	}
	if err := requireGrant(ctx, patient, doctor); err != nil {
		return 0, err
	}

	requests, err := getLabRequests(ctx, patient)
	if err != nil {
		return 0, err
	}
	queue, err := getLabQueue(ctx, lab)
	if err != nil {
		return 0, err
	}

	index := len(requests)
	requests = append(requests, LabRequest{
		Index:       index,
		Patient:     patient,
		Doctor:      doctor,
		Lab:         lab,
		TestMessage: testMessage,
		ReportHash:  reportHash,
		CreatedAt:   txTime(ctx),
	})
	if err := putJSON(ctx, labRequestsKey(patient), requests); err != nil {
		return 0, err
	}
	return index, putJSON(ctx, labQueueKey(lab), append(queue, LabQueueEntry{Patient: patient, Index: index}))
}

// GetLabRequests returns the patient's lab requests
func (s *SmartContract) GetLabRequests(ctx contractapi.TransactionContextInterface, patient string) ([]LabRequest, error) {
	return getLabRequests(ctx, patient)
}

// ApproveLabRequest moves a request from Requested to PatientApproved
func (s *SmartContract) ApproveLabRequest(ctx contractapi.TransactionContextInterface, patient string, index int) (*LabRequest, error) {
	requests, err := getLabRequests(ctx, patient)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(requests) {
		return nil, rejectf(errNotFound, "lab request %d of %s", index, patient)
	}

	req := requests[index]
	if req.Completed || req.PatientApproved {
		return nil, rejectf(errInvalidState, "lab request %d is not awaiting approval", index)
	}

	req.PatientApproved = true
	req.ApprovedAt = txTime(ctx)
	requests[index] = req
	if err := putJSON(ctx, labRequestsKey(patient), requests); err != nil {
		return nil, err
	}
	return &req, nil
}

// CompleteLabRequest attaches the result to an approved request and appends
// the result hash to the patient's record list in the same transaction.
func (s *SmartContract) CompleteLabRequest(ctx contractapi.TransactionContextInterface, lab, patient string, index int, resultHash string) (*LabRequest, error) {
	if resultHash == "" {
		return nil, rejectf(errValidation, "result hash is required")
	}
	requests, err := getLabRequests(ctx, patient)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(requests) {
		return nil, rejectf(errNotFound, "lab request %d of %s", index, patient)
	}

	req := requests[index]
	if !strings.EqualFold(req.Lab, lab) {
		return nil, rejectf(errUnauthorized, "lab request %d is assigned to another lab", index)
	}
	if req.Completed {
		return nil, rejectf(errInvalidState, "lab request %d is already completed", index)
	}
	if !req.PatientApproved {
		return nil, rejectf(errInvalidState, "lab request %d is not approved by the patient", index)
	}

	records, err := getRecords(ctx, patient)
	if err != nil {
		return nil, err
	}

	req.Completed = true
	req.ResultHash = resultHash
	req.CompletedAt = txTime(ctx)
	requests[index] = req
	if err := putJSON(ctx, labRequestsKey(patient), requests); err != nil {
		return nil, err
	}
	if _, err := appendRecord(ctx, patient, records, RecordEntry{
		ContentHash: resultHash,
		AddedBy:     lab,
		Source:      sourceLab,
	}); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetLabQueue returns the (patient, index) pointers of every request
// addressed to lab.
func (s *SmartContract) GetLabQueue(ctx contractapi.TransactionContextInterface, lab string) ([]LabQueueEntry, error) {
	return getLabQueue(ctx, lab)
}

func appendRecord(ctx contractapi.TransactionContextInterface, patient string, records []RecordEntry, entry RecordEntry) (*AppendResult, error) {
	for _, r := range records {
		if r.ContentHash == entry.ContentHash {
			return &AppendResult{Index: r.Index, Appended: false}, nil
		}
	}
	entry.Patient = patient
	entry.Index = len(records)
	entry.CommittedAt = txTime(ctx)
	if err := putJSON(ctx, recordsKey(patient), append(records, entry)); err != nil {
		return nil, err
	}
	return &AppendResult{Index: entry.Index, Appended: true}, nil
}

func getParticipant(ctx contractapi.TransactionContextInterface, address string) (*Participant, error) {
	data, err := ctx.GetStub().GetState(participantKey(address))
	if err != nil {
		return nil, fmt.Errorf("failed to read from world state: %v", err)
	}
	if data == nil {
		return nil, nil
	}
	var p Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %v", err)
	}
	return &p, nil
}

func requireParticipant(ctx contractapi.TransactionContextInterface, address string) (*Participant, error) {
	p, err := getParticipant(ctx, address)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, rejectf(errNotFound, "%s is not registered", address)
	}
	return p, nil
}

func hasRole(ctx contractapi.TransactionContextInterface, address, role string) (bool, error) {
	p, err := getParticipant(ctx, address)
	if err != nil {
		return false, err
	}
	return p != nil && p.Role == role, nil
}

func requireRole(ctx contractapi.TransactionContextInterface, address, role string) error {
	ok, err := hasRole(ctx, address, role)
	if err != nil {
		return err
	}
	if !ok {
		return rejectf(errUnauthorized, "%s is not a registered %s", address, role)
	}
	return nil
}

func requireGrant(ctx contractapi.TransactionContextInterface, patient, doctor string) error {
	doctors, err := getStringList(ctx, grantsKey(patient))
	if err != nil {
		return err
	}
	if !containsAddress(doctors, doctor) {
		return rejectf(errUnauthorized, "%s holds no grant from %s", doctor, patient)
	}
	return nil
}

func getStringList(ctx contractapi.TransactionContextInterface, key string) ([]string, error) {
	list := make([]string, 0)
	return list, getJSON(ctx, key, &list)
}

func getRecords(ctx contractapi.TransactionContextInterface, patient string) ([]RecordEntry, error) {
	list := make([]RecordEntry, 0)
	return list, getJSON(ctx, recordsKey(patient), &list)
}

func getLabRequests(ctx contractapi.TransactionContextInterface, patient string) ([]LabRequest, error) {
	list := make([]LabRequest, 0)
	return list, getJSON(ctx, labRequestsKey(patient), &list)
}

func getLabQueue(ctx contractapi.TransactionContextInterface, lab string) ([]LabQueueEntry, error) {
	list := make([]LabQueueEntry, 0)
	return list, getJSON(ctx, labQueueKey(lab), &list)
}

func getJSON(ctx contractapi.TransactionContextInterface, key string, v interface{}) error {
	data, err := ctx.GetStub().GetState(key)
	if err != nil {
		return fmt.Errorf("failed to read from world state: %v", err)
	}
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return nil
}

func putJSON(ctx contractapi.TransactionContextInterface, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(key, data); err != nil {
		return fmt.Errorf("failed to put %s to world state: %v", key, err)
	}
	return nil
}

func txTime(ctx contractapi.TransactionContextInterface) string {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil || ts == nil {
		return ""
	}
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC().Format(time.RFC3339Nano)
}

func containsAddress(list []string, address string) bool {
	for _, a := range list {
		if strings.EqualFold(a, address) {
			return true
		}
	}
	return false
}

func removeAddress(list []string, address string) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if !strings.EqualFold(a, address) {
			out = append(out, a)
		}
	}
	return out
}

func norm(address string) string {
	return strings.ToLower(address)
}

func participantKey(address string) string { return "participant~" + norm(address) }
func roleKey(role string) string           { return "role~" + role }
func grantsKey(patient string) string      { return "grants~" + norm(patient) }
func patientsKey(doctor string) string     { return "patients~" + norm(doctor) }
func recordsKey(patient string) string     { return "records~" + norm(patient) }
func labRequestsKey(patient string) string { return "labrequests~" + norm(patient) }
func labQueueKey(lab string) string        { return "labqueue~" + norm(lab) }

func messagesKey(patient, doctor string) string {
	return "messages~" + norm(patient) + "~" + norm(doctor)
}
