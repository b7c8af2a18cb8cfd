// Package testenv wires the coordination components against an in-process
// ledger and an in-memory content store for package tests.
package testenv

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/medrex/nuvora-ehr/internal/cache"
	"github.com/medrex/nuvora-ehr/internal/content"
	"github.com/medrex/nuvora-ehr/internal/ledger"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// Well-known wallets
var (
	PatientA = types.MustParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	PatientE = types.MustParseAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	DoctorB  = types.MustParseAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	DoctorC  = types.MustParseAddress("0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB")
	LabL     = types.MustParseAddress("0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb")
	Stranger = types.MustParseAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
)

// Env is a complete set of collaborators over faultable stores
type Env struct {
	Ledger   *FaultyLedger
	Content  *FaultyContent
	Cache    *cache.PairCache
	Recorder *audit.LogRecorder
	Trail    *audit.Trail
	Logger   *logger.Logger
	Metrics  *monitoring.Metrics
}

// New builds an Env with empty ledger state
func New(t testing.TB) *Env {
	gw, err := ledger.NewEmbeddedGateway("ehr-ledger")
	require.NoError(t, err)

	log := logger.NewNop()
	metrics := monitoring.NewMetrics("nuvora-test", prometheus.NewRegistry())

	ls, err := content.NewMemLevelStore()
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	recorder := audit.NewLogRecorder(log, 1000)
	return &Env{
		Ledger:   NewFaultyLedger(ledger.NewClient(gw, "ehr-ledger", 5*time.Second, log, metrics)),
		Content:  NewFaultyContent(content.NewStore(ls, 5*time.Second, log, metrics)),
		Cache:    cache.NewPairCache(64, time.Minute, metrics),
		Recorder: recorder,
		Trail:    audit.NewTrail(recorder, log, metrics),
		Logger:   log,
		Metrics:  metrics,
	}
}

// Session returns a session for a registered wallet
func Session(addr types.Address, role types.Role) *types.Session {
	return types.NewSession(addr, role)
}

// Register stores a profile document and registers addr directly on the
// ledger, bypassing the registrar.
func (e *Env) Register(t testing.TB, addr types.Address, role types.Role, profile map[string]interface{}) string {
	ctx := context.Background()
	doc, err := json.Marshal(profile)
	require.NoError(t, err)
	hash, err := e.Content.PutJSON(ctx, json.RawMessage(doc))
	require.NoError(t, err)

	p := &types.Participant{Address: addr, Role: role, ProfileHash: hash}
	if s, ok := profile["specialization"].(string); ok {
		p.Specialization = s
	}
	if s, ok := profile["labName"].(string); ok {
		p.LabName = s
	}
	require.NoError(t, e.Ledger.Register(ctx, p))
	return hash
}

// Seed registers patients A and E, doctors B and C and lab L
func (e *Env) Seed(t testing.TB) {
	e.Register(t, PatientA, types.RolePatient, map[string]interface{}{"firstName": "Ada", "lastName": "Lovelace"})
	e.Register(t, PatientE, types.RolePatient, map[string]interface{}{"firstName": "Emmy", "lastName": "Noether"})
	e.Register(t, DoctorB, types.RoleDoctor, map[string]interface{}{"firstName": "Ben", "lastName": "Casey", "specialization": "Cardiology"})
	e.Register(t, DoctorC, types.RoleDoctor, map[string]interface{}{"firstName": "Cora", "lastName": "Hale", "specialization": "Oncology"})
	e.Register(t, LabL, types.RoleLab, map[string]interface{}{"labName": "Central Lab"})
}

// Grant writes a grant directly on the ledger
func (e *Env) Grant(t testing.TB, patient, doctor types.Address) {
	_, err := e.Ledger.GrantAccess(context.Background(), patient, doctor)
	require.NoError(t, err)
}
