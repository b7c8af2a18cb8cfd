package identity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// RolePrecedence is the order in which role flags are checked. The first
// role whose flag is set wins.
var RolePrecedence = []types.Role{types.RolePatient, types.RoleDoctor, types.RoleLab}

// Resolver maps wallet addresses to identities
type Resolver struct {
	ledger  interfaces.Ledger
	content interfaces.ContentStore
	trail   *audit.Trail
	logger  *logger.Logger
	metrics *monitoring.Metrics
}

// NewResolver creates a new identity resolver
func NewResolver(ledger interfaces.Ledger, content interfaces.ContentStore, trail *audit.Trail, log *logger.Logger, metrics *monitoring.Metrics) *Resolver {
	return &Resolver{
		ledger:  ledger,
		content: content,
		trail:   trail,
		logger:  log,
		metrics: metrics,
	}
}

// Connect resolves the wallet behind a new session
func (r *Resolver) Connect(ctx context.Context, address string) (*types.Session, *types.Identity, error) {
	addr, err := types.ParseAddress(address)
	if err != nil {
		r.trail.Emit(ctx, types.Address(address), types.AuditResolve, address, err, nil)
		return nil, nil, types.Rebind(err, "Connect", address)
	}
	id, err := r.Resolve(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return types.NewSession(id.Address, id.Role), id, nil
}

// Resolve returns the role and profile of address. A ledger failure fails
// the resolution; a profile that cannot be fetched or decoded leaves
// Profile nil. Every attempt is audited.
func (r *Resolver) Resolve(ctx context.Context, address types.Address) (*types.Identity, error) {
	id, profileErr, err := r.resolve(ctx, address)

	details := map[string]interface{}{}
	if id != nil {
		details["role"] = id.Role
	}
	if profileErr != nil {
		details["profile_error"] = types.KindOf(profileErr)
	}
	r.trail.Emit(ctx, address, types.AuditResolve, address.String(), err, details)

	if err != nil {
		return nil, err
	}
	return id, nil
}

func (r *Resolver) resolve(ctx context.Context, address types.Address) (id *types.Identity, profileErr error, err error) {
	addr, err := types.ParseAddress(address.String())
	if err != nil {
		return nil, nil, types.Rebind(err, "Resolve", address.String())
	}

	role := types.RoleNone
	for _, candidate := range RolePrecedence {
		ok, err := r.hasRole(ctx, candidate, addr)
		if err != nil {
			return nil, nil, types.Rebind(err, "Resolve", addr.String())
		}
		if ok {
			role = candidate
			break
		}
	}

	id = &types.Identity{Address: addr, Role: role}
	if role == types.RoleNone {
		return id, nil, nil
	}

	p, err := r.ledger.GetParticipant(ctx, addr)
	if err != nil {
		return nil, nil, types.Rebind(err, "Resolve", addr.String())
	}
	id.ProfileHash = p.ProfileHash
	id.Specialization = p.Specialization
	id.LabName = p.LabName

	profile, err := r.loadProfile(ctx, role, p.ProfileHash)
	if err != nil {
		r.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"address":      addr.String(),
			"profile_hash": p.ProfileHash,
			"error":        err.Error(),
		}).Warn("Profile unavailable, returning identity without profile")
		return id, err, nil
	}
	id.Profile = profile
	return id, nil, nil
}

// ResolveMany resolves addresses concurrently. Failed addresses are logged,
// omitted from the result and reported as failures; order is preserved.
func (r *Resolver) ResolveMany(ctx context.Context, op string, addresses []types.Address) *types.IdentityList {
	results := make([]*types.Identity, len(addresses))
	errs := make([]error, len(addresses))

	var wg sync.WaitGroup
	for i, addr := range addresses {
		wg.Add(1)
		go func(i int, addr types.Address) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(ctx, addr)
		}(i, addr)
	}
	wg.Wait()

	list := &types.IdentityList{Identities: make([]*types.Identity, 0, len(addresses))}
	for i, id := range results {
		if errs[i] != nil {
			r.metrics.RecordBatchFailure(op, string(types.KindOf(errs[i])))
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"operation": op,
				"address":   addresses[i].String(),
				"error":     errs[i].Error(),
			}).Warn("Failed to resolve identity")
			list.Failures = append(list.Failures, types.NewItemFailure(addresses[i].String(), errs[i]))
			continue
		}
		list.Identities = append(list.Identities, id)
	}
	return list
}

func (r *Resolver) hasRole(ctx context.Context, role types.Role, addr types.Address) (bool, error) {
	switch role {
	case types.RolePatient:
		return r.ledger.IsPatient(ctx, addr)
	case types.RoleDoctor:
		return r.ledger.IsDoctor(ctx, addr)
	case types.RoleLab:
		return r.ledger.IsLab(ctx, addr)
	}
	return false, nil
}

func (r *Resolver) loadProfile(ctx context.Context, role types.Role, hash string) (*types.Profile, error) {
	if hash == "" {
		return nil, types.NewNotFoundError("Resolve", "", "no profile pointer")
	}
	var raw json.RawMessage
	if err := r.content.GetJSON(ctx, hash, &raw); err != nil {
		return nil, err
	}
	profile, err := types.DecodeProfile(role, raw)
	if err != nil {
		return nil, types.NewError(types.ErrorKindValidation, "Resolve", hash, "malformed profile document", err)
	}
	return profile, nil
}
