package access

import (
	"context"

	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/cache"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Manager enforces and reflects the patient to doctor grant state
type Manager struct {
	ledger   interfaces.Ledger
	resolver *identity.Resolver
	cache    *cache.PairCache
	trail    *audit.Trail
	logger   *logger.Logger
}

// NewManager creates a new access control manager
func NewManager(ledger interfaces.Ledger, resolver *identity.Resolver, pairs *cache.PairCache, trail *audit.Trail, log *logger.Logger) *Manager {
	return &Manager{
		ledger:   ledger,
		resolver: resolver,
		cache:    pairs,
		trail:    trail,
		logger:   log,
	}
}

// Grant gives doctor read access to the session patient's records and chat.
// Granting an active grant again succeeds without a change.
func (m *Manager) Grant(ctx context.Context, session *types.Session, doctor string) (*types.AccessGrant, error) {
	grant, err := m.grant(ctx, session, doctor)
	m.emit(ctx, session, types.AuditGrant, doctor, grant, err)
	return grant, err
}

func (m *Manager) grant(ctx context.Context, session *types.Session, doctor string) (*types.AccessGrant, error) {
	if err := session.Require("Grant", types.RolePatient); err != nil {
		return nil, err
	}
	doc, err := types.ParseAddress(doctor)
	if err != nil {
		return nil, types.Rebind(err, "Grant", doctor)
	}

	changed, err := m.ledger.GrantAccess(ctx, session.Address, doc)
	if err != nil {
		return nil, types.Rebind(err, "Grant", doc.String())
	}
	return &types.AccessGrant{Patient: session.Address, Doctor: doc, Granted: true, Changed: changed}, nil
}

// Revoke withdraws doctor's access and drops everything cached for the pair.
// The very next read by doctor is denied.
func (m *Manager) Revoke(ctx context.Context, session *types.Session, doctor string) (*types.AccessGrant, error) {
	grant, err := m.revoke(ctx, session, doctor)
	m.emit(ctx, session, types.AuditRevoke, doctor, grant, err)
	return grant, err
}

func (m *Manager) revoke(ctx context.Context, session *types.Session, doctor string) (*types.AccessGrant, error) {
	if err := session.Require("Revoke", types.RolePatient); err != nil {
		return nil, err
	}
	doc, err := types.ParseAddress(doctor)
	if err != nil {
		return nil, types.Rebind(err, "Revoke", doctor)
	}

	changed, err := m.ledger.RevokeAccess(ctx, session.Address, doc)
	if err != nil {
		return nil, types.Rebind(err, "Revoke", doc.String())
	}
	m.cache.PurgePair(session.Address, doc)
	return &types.AccessGrant{Patient: session.Address, Doctor: doc, Granted: false, Changed: changed}, nil
}

// ListGrantedDoctors resolves the doctors the session patient has granted
func (m *Manager) ListGrantedDoctors(ctx context.Context, session *types.Session) (*types.IdentityList, error) {
	if err := session.Require("ListGrantedDoctors", types.RolePatient); err != nil {
		return nil, err
	}
	doctors, err := m.ledger.AllowedDoctors(ctx, session.Address)
	if err != nil {
		return nil, types.Rebind(err, "ListGrantedDoctors", session.Address.String())
	}
	return m.resolver.ResolveMany(ctx, "ListGrantedDoctors", doctors), nil
}

// ListDoctorPatients resolves the patients who granted the session doctor
func (m *Manager) ListDoctorPatients(ctx context.Context, session *types.Session) (*types.IdentityList, error) {
	if err := session.Require("ListDoctorPatients", types.RoleDoctor); err != nil {
		return nil, err
	}
	patients, err := m.ledger.DoctorPatients(ctx, session.Address)
	if err != nil {
		return nil, types.Rebind(err, "ListDoctorPatients", session.Address.String())
	}
	return m.resolver.ResolveMany(ctx, "ListDoctorPatients", patients), nil
}

// Authorize is the read gate for a patient's records and conversations.
// Patients pass for their own address only; doctors need a grant that is
// active on the ledger at call time; every other caller is refused.
func (m *Manager) Authorize(ctx context.Context, session *types.Session, patient types.Address) error {
	if err := session.Require("Authorize"); err != nil {
		return err
	}

	switch session.Role {
	case types.RolePatient:
		if session.Address.Equal(patient) {
			return nil
		}
	case types.RoleDoctor:
		ok, err := m.ledger.HasAccess(ctx, patient, session.Address)
		if err != nil {
			return types.Rebind(err, "Authorize", patient.String())
		}
		if ok {
			return nil
		}
		// Anything still cached for a pair without a grant is stale
		m.cache.PurgePair(patient, session.Address)
	}
	return types.NewUnauthorizedError("Authorize", patient.String(), "no active grant for this patient")
}

// AuthorizePair orders the session and counterpart into a (patient, doctor)
// pair and checks that the pair's grant is active. Either side of a
// conversation needs the grant.
func (m *Manager) AuthorizePair(ctx context.Context, session *types.Session, counterpart string) (patient, doctor types.Address, err error) {
	if err := session.Require("AuthorizePair", types.RolePatient, types.RoleDoctor); err != nil {
		return "", "", err
	}
	other, err := types.ParseAddress(counterpart)
	if err != nil {
		return "", "", types.Rebind(err, "AuthorizePair", counterpart)
	}

	patient, doctor = session.Address, other
	if session.Role == types.RoleDoctor {
		patient, doctor = other, session.Address
	}

	ok, err := m.ledger.HasAccess(ctx, patient, doctor)
	if err != nil {
		return "", "", types.Rebind(err, "AuthorizePair", other.String())
	}
	if !ok {
		m.cache.PurgePair(patient, doctor)
		return "", "", types.NewUnauthorizedError("AuthorizePair", other.String(), "no active grant between patient and doctor")
	}
	return patient, doctor, nil
}

func (m *Manager) emit(ctx context.Context, session *types.Session, action, doctor string, grant *types.AccessGrant, err error) {
	account := types.Address("")
	if session != nil {
		account = session.Address
	}
	var details map[string]interface{}
	if grant != nil {
		details = map[string]interface{}{"changed": grant.Changed}
	}
	m.trail.Emit(ctx, account, action, doctor, err, details)
}
