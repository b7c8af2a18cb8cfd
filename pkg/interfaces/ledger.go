package interfaces

import (
	"context"

	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Ledger defines the typed operations against the permission and pointer
// state. Writes return only after the transaction is committed.
type Ledger interface {
	// Role registries and profile pointers
	IsPatient(ctx context.Context, addr types.Address) (bool, error)
	IsDoctor(ctx context.Context, addr types.Address) (bool, error)
	IsLab(ctx context.Context, addr types.Address) (bool, error)
	GetParticipant(ctx context.Context, addr types.Address) (*types.Participant, error)
	Register(ctx context.Context, participant *types.Participant) error
	UpdateProfile(ctx context.Context, addr types.Address, profileHash string) error
	ListParticipants(ctx context.Context, role types.Role) ([]types.Address, error)

	// Grant lists
	GrantAccess(ctx context.Context, patient, doctor types.Address) (bool, error)
	RevokeAccess(ctx context.Context, patient, doctor types.Address) (bool, error)
	HasAccess(ctx context.Context, patient, doctor types.Address) (bool, error)
	AllowedDoctors(ctx context.Context, patient types.Address) ([]types.Address, error)
	DoctorPatients(ctx context.Context, doctor types.Address) ([]types.Address, error)

	// Record pointer lists
	AppendRecord(ctx context.Context, patient, addedBy types.Address, contentHash, metaHash string) (*types.AppendResult, error)
	Records(ctx context.Context, patient types.Address) ([]types.RecordPointer, error)

	// Message hash lists
	AppendMessage(ctx context.Context, patient, doctor, sender types.Address, hash string) (*types.AppendResult, error)
	Messages(ctx context.Context, patient, doctor types.Address) ([]string, error)

	// Lab requests
	CreateLabRequest(ctx context.Context, req *types.LabRequest) (int, error)
	LabRequests(ctx context.Context, patient types.Address) ([]types.LabRequest, error)
	ApproveLabRequest(ctx context.Context, patient types.Address, index int) (*types.LabRequest, error)
	CompleteLabRequest(ctx context.Context, lab, patient types.Address, index int, resultHash string) (*types.LabRequest, error)
	LabQueue(ctx context.Context, lab types.Address) ([]types.LabQueueEntry, error)
}
