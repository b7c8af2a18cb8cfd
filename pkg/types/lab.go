package types

// LabState is derived from the request's ledger flags
type LabState string

const (
	LabStateRequested       LabState = "Requested"
	LabStatePatientApproved LabState = "PatientApproved"
	LabStateCompleted       LabState = "Completed"
)

// LabRequest is one entry of a patient's lab request list
type LabRequest struct {
	Index           int     `json:"index"`
	Patient         Address `json:"patient"`
	Doctor          Address `json:"doctor"`
	Lab             Address `json:"lab"`
	TestMessage     string  `json:"testMessage"`
	ReportHash      string  `json:"reportHash,omitempty"`
	PatientApproved bool    `json:"patientApproved"`
	Completed       bool    `json:"completed"`
	ResultHash      string  `json:"resultHash,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	ApprovedAt      string  `json:"approvedAt,omitempty"`
	CompletedAt     string  `json:"completedAt,omitempty"`
}

// State maps the ledger flags onto the request state machine
func (r *LabRequest) State() LabState {
	switch {
	case r.Completed:
		return LabStateCompleted
	case r.PatientApproved:
		return LabStatePatientApproved
	}
	return LabStateRequested
}

// LabQueueEntry is one entry of the lab -> (patient, index) reverse index
type LabQueueEntry struct {
	Patient Address `json:"patient"`
	Index   int     `json:"index"`
}

// LabRequestView is a lab request hydrated with its participants
type LabRequestView struct {
	LabRequest
	State  LabState  `json:"state"`
	Doctor *Identity `json:"doctorIdentity,omitempty"`
	Lab    *Identity `json:"labIdentity,omitempty"`
	Owner  *Identity `json:"patientIdentity,omitempty"`
}

// LabRequestList is the result of a lab request listing
type LabRequestList struct {
	Requests []LabRequestView `json:"requests"`
	Failures []ItemFailure    `json:"failures,omitempty"`
}

// LabQueue is the lab dashboard: pending work and completed work
type LabQueue struct {
	Lab       Address          `json:"lab"`
	Pending   []LabRequestView `json:"pending"`
	Completed []LabRequestView `json:"completed"`
	Failures  []ItemFailure    `json:"failures,omitempty"`
}
