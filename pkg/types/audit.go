package types

import "time"

// Audited actions
const (
	AuditResolve       = "identity.resolve"
	AuditRegister      = "identity.register"
	AuditUpdateProfile = "identity.update_profile"
	AuditGrant         = "access.grant"
	AuditRevoke        = "access.revoke"
	AuditAddRecord     = "records.add"
	AuditListRecords   = "records.list"
	AuditSendMessage   = "conversation.send"
	AuditLoadMessages  = "conversation.load"
	AuditLabRequest    = "lab.request"
	AuditLabApprove    = "lab.approve"
	AuditLabUpload     = "lab.upload_result"
)

// AuditEntry is one entry of the coordination audit trail
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Account   Address                `json:"account"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Success   bool                   `json:"success"`
	ErrorKind ErrorKind              `json:"errorKind,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
