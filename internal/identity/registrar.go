package identity

import (
	"context"
	"encoding/json"

	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Registrar registers wallets as patients, doctors or labs and re-points
// their profiles.
type Registrar struct {
	ledger  interfaces.Ledger
	content interfaces.ContentStore
	trail   *audit.Trail
	logger  *logger.Logger
}

// NewRegistrar creates a new registrar
func NewRegistrar(ledger interfaces.Ledger, content interfaces.ContentStore, trail *audit.Trail, log *logger.Logger) *Registrar {
	return &Registrar{
		ledger:  ledger,
		content: content,
		trail:   trail,
		logger:  log,
	}
}

// RegisterPatient registers the session wallet as a patient
func (r *Registrar) RegisterPatient(ctx context.Context, session *types.Session, profile *types.PatientProfile) (*types.Identity, error) {
	return r.registerTyped(ctx, session, types.RolePatient, profile)
}

// RegisterDoctor registers the session wallet as a doctor
func (r *Registrar) RegisterDoctor(ctx context.Context, session *types.Session, profile *types.DoctorProfile) (*types.Identity, error) {
	return r.registerTyped(ctx, session, types.RoleDoctor, profile)
}

// RegisterLab registers the session wallet as a lab
func (r *Registrar) RegisterLab(ctx context.Context, session *types.Session, profile *types.LabProfile) (*types.Identity, error) {
	return r.registerTyped(ctx, session, types.RoleLab, profile)
}

func (r *Registrar) registerTyped(ctx context.Context, session *types.Session, role types.Role, profile interface{}) (*types.Identity, error) {
	doc, err := json.Marshal(profile)
	if err != nil {
		return nil, types.NewValidationError("Register", string(role), "profile is not JSON-encodable")
	}
	return r.Register(ctx, session, role, doc)
}

// Register validates the profile document, stores it and records the
// registration on the ledger. The role of a registered wallet never changes.
func (r *Registrar) Register(ctx context.Context, session *types.Session, role types.Role, doc json.RawMessage) (*types.Identity, error) {
	id, err := r.register(ctx, session, role, doc)
	account := types.Address("")
	if session != nil {
		account = session.Address
	}
	r.trail.Emit(ctx, account, types.AuditRegister, string(role), err, map[string]interface{}{"role": role})
	return id, err
}

func (r *Registrar) register(ctx context.Context, session *types.Session, role types.Role, doc json.RawMessage) (*types.Identity, error) {
	if err := session.Require("Register"); err != nil {
		return nil, err
	}
	if session.Role.Valid() {
		return nil, types.NewConflictError("Register", session.Address.String(), "wallet is already registered as "+string(session.Role))
	}
	if !role.Valid() {
		return nil, types.NewValidationError("Register", string(role), "unknown role")
	}
	if err := ValidateProfile(role, doc); err != nil {
		return nil, types.Rebind(err, "Register", string(role))
	}
	profile, err := types.DecodeProfile(role, doc)
	if err != nil {
		return nil, types.Rebind(err, "Register", string(role))
	}

	hash, err := r.content.PutJSON(ctx, doc)
	if err != nil {
		return nil, types.Rebind(err, "Register", session.Address.String())
	}

	p := &types.Participant{Address: session.Address, Role: role, ProfileHash: hash}
	switch role {
	case types.RoleDoctor:
		p.Specialization = profile.Doctor.Specialization
	case types.RoleLab:
		p.LabName = profile.Lab.LabName
	}
	if err := r.ledger.Register(ctx, p); err != nil {
		return nil, types.Rebind(err, "Register", session.Address.String())
	}

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"address":      session.Address.String(),
		"role":         role,
		"profile_hash": hash,
	}).Info("Wallet registered")

	return &types.Identity{
		Address:        session.Address,
		Role:           role,
		ProfileHash:    hash,
		Specialization: p.Specialization,
		LabName:        p.LabName,
		Profile:        profile,
	}, nil
}

// UpdateProfile stores a new profile document for the session wallet and
// re-points its profile hash. Nothing else about the identity changes.
func (r *Registrar) UpdateProfile(ctx context.Context, session *types.Session, doc json.RawMessage) (*types.Identity, error) {
	id, err := r.updateProfile(ctx, session, doc)
	account := types.Address("")
	if session != nil {
		account = session.Address
	}
	r.trail.Emit(ctx, account, types.AuditUpdateProfile, account.String(), err, nil)
	return id, err
}

func (r *Registrar) updateProfile(ctx context.Context, session *types.Session, doc json.RawMessage) (*types.Identity, error) {
	if err := session.Require("UpdateProfile", RolePrecedence...); err != nil {
		return nil, err
	}
	if err := ValidateProfile(session.Role, doc); err != nil {
		return nil, types.Rebind(err, "UpdateProfile", string(session.Role))
	}
	profile, err := types.DecodeProfile(session.Role, doc)
	if err != nil {
		return nil, types.Rebind(err, "UpdateProfile", string(session.Role))
	}

	hash, err := r.content.PutJSON(ctx, doc)
	if err != nil {
		return nil, types.Rebind(err, "UpdateProfile", session.Address.String())
	}
	if err := r.ledger.UpdateProfile(ctx, session.Address, hash); err != nil {
		return nil, types.Rebind(err, "UpdateProfile", session.Address.String())
	}

	p, err := r.ledger.GetParticipant(ctx, session.Address)
	if err != nil {
		return nil, types.Rebind(err, "UpdateProfile", session.Address.String())
	}
	return &types.Identity{
		Address:        session.Address,
		Role:           session.Role,
		ProfileHash:    hash,
		Specialization: p.Specialization,
		LabName:        p.LabName,
		Profile:        profile,
	}, nil
}
