package identity

import (
	"context"

	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Directory lists registered doctors and labs for selection screens
type Directory struct {
	ledger   interfaces.Ledger
	resolver *Resolver
}

// NewDirectory creates a new directory
func NewDirectory(ledger interfaces.Ledger, resolver *Resolver) *Directory {
	return &Directory{ledger: ledger, resolver: resolver}
}

// ListDoctors resolves every registered doctor
func (d *Directory) ListDoctors(ctx context.Context, session *types.Session) (*types.IdentityList, error) {
	return d.list(ctx, session, "ListDoctors", types.RoleDoctor)
}

// ListLabs resolves every registered lab
func (d *Directory) ListLabs(ctx context.Context, session *types.Session) (*types.IdentityList, error) {
	return d.list(ctx, session, "ListLabs", types.RoleLab)
}

func (d *Directory) list(ctx context.Context, session *types.Session, op string, role types.Role) (*types.IdentityList, error) {
	if err := session.Require(op); err != nil {
		return nil, err
	}
	addresses, err := d.ledger.ListParticipants(ctx, role)
	if err != nil {
		return nil, types.Rebind(err, op, string(role))
	}
	return d.resolver.ResolveMany(ctx, op, addresses), nil
}
