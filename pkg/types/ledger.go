package types

import "time"

// TxResult represents a committed ledger transaction
type TxResult struct {
	TxID      string    `json:"txId"`
	Function  string    `json:"function"`
	Payload   []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger function names exposed by the ehr-ledger contract
const (
	FnIsPatient          = "IsPatient"
	FnIsDoctor           = "IsDoctor"
	FnIsLab              = "IsLab"
	FnGetParticipant     = "GetParticipant"
	FnRegister           = "Register"
	FnUpdateProfile      = "UpdateProfile"
	FnListParticipants   = "ListParticipants"
	FnGrantAccess        = "GrantAccess"
	FnRevokeAccess       = "RevokeAccess"
	FnHasAccess          = "HasAccess"
	FnAllowedDoctors     = "AllowedDoctors"
	FnDoctorPatients     = "DoctorPatients"
	FnAppendRecord       = "AppendRecord"
	FnGetRecords         = "GetRecords"
	FnAppendMessage      = "AppendMessage"
	FnGetMessages        = "GetMessages"
	FnCreateLabRequest   = "CreateLabRequest"
	FnGetLabRequests     = "GetLabRequests"
	FnApproveLabRequest  = "ApproveLabRequest"
	FnCompleteLabRequest = "CompleteLabRequest"
	FnGetLabQueue        = "GetLabQueue"
)

// LedgerErrorPrefix pairs a contract rejection prefix with its kind
type LedgerErrorPrefix struct {
	Prefix string
	Kind   ErrorKind
}

// Error prefixes raised by the contract; clients map them onto ErrorKind
var LedgerErrorPrefixes = []LedgerErrorPrefix{
	{Prefix: "UNAUTHORIZED:", Kind: ErrorKindUnauthorized},
	{Prefix: "NOT_FOUND:", Kind: ErrorKindNotFound},
	{Prefix: "INVALID_STATE:", Kind: ErrorKindInvalidState},
	{Prefix: "CONFLICT:", Kind: ErrorKindConflict},
	{Prefix: "VALIDATION_FAILED:", Kind: ErrorKindValidation},
}
