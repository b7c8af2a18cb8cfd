package testenv

import (
	"context"
	"errors"
	"sync"

	"github.com/medrex/nuvora-ehr/pkg/interfaces"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// ErrInjected is the cause of every injected failure
var ErrInjected = errors.New("injected failure")

type fault struct {
	err       error
	remaining int // < 0 means forever
}

// faults is a per-method table of injected failures, one-shot hooks and
// call counters
type faults struct {
	mu     sync.Mutex
	table  map[string]*fault
	hooks  map[string]func()
	counts map[string]int
}

func newFaults() *faults {
	return &faults{table: map[string]*fault{}, hooks: map[string]func(){}, counts: map[string]int{}}
}

func (f *faults) hook(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[method] = fn
}

func (f *faults) set(method string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[method] = &fault{err: err, remaining: times}
}

func (f *faults) check(method string) error {
	f.mu.Lock()
	fn := f.hooks[method]
	delete(f.hooks, method)
	f.mu.Unlock()
	if fn != nil {
		fn()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[method]++
	ft, ok := f.table[method]
	if !ok || ft.remaining == 0 {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
	}
	return ft.err
}

func (f *faults) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

// FaultyLedger wraps a Ledger and fails chosen methods on demand
type FaultyLedger struct {
	interfaces.Ledger
	faults *faults
}

// NewFaultyLedger wraps l
func NewFaultyLedger(l interfaces.Ledger) *FaultyLedger {
	return &FaultyLedger{Ledger: l, faults: newFaults()}
}

// Fail makes the next times calls of method fail with a ledger error of the
// kind that method would raise. times < 0 fails every call.
func (l *FaultyLedger) Fail(method string, times int) {
	l.faults.set(method, ErrInjected, times)
}

// BeforeNext runs fn once, just before the next call of method reaches the
// ledger
func (l *FaultyLedger) BeforeNext(method string, fn func()) {
	l.faults.hook(method, fn)
}

// Calls returns how many times method was invoked
func (l *FaultyLedger) Calls(method string) int {
	return l.faults.calls(method)
}

func (l *FaultyLedger) fault(method string, write bool) error {
	err := l.faults.check(method)
	if err == nil {
		return nil
	}
	if _, ok := types.AsCoordError(err); ok {
		return err
	}
	return types.NewLedgerError(method, "", write, err)
}

func (l *FaultyLedger) IsPatient(ctx context.Context, addr types.Address) (bool, error) {
	if err := l.fault("IsPatient", false); err != nil {
		return false, err
	}
	return l.Ledger.IsPatient(ctx, addr)
}

func (l *FaultyLedger) IsDoctor(ctx context.Context, addr types.Address) (bool, error) {
	if err := l.fault("IsDoctor", false); err != nil {
		return false, err
	}
	return l.Ledger.IsDoctor(ctx, addr)
}

func (l *FaultyLedger) IsLab(ctx context.Context, addr types.Address) (bool, error) {
	if err := l.fault("IsLab", false); err != nil {
		return false, err
	}
	return l.Ledger.IsLab(ctx, addr)
}

func (l *FaultyLedger) GetParticipant(ctx context.Context, addr types.Address) (*types.Participant, error) {
	if err := l.fault("GetParticipant", false); err != nil {
		return nil, err
	}
	return l.Ledger.GetParticipant(ctx, addr)
}

func (l *FaultyLedger) GrantAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	if err := l.fault("GrantAccess", true); err != nil {
		return false, err
	}
	return l.Ledger.GrantAccess(ctx, patient, doctor)
}

func (l *FaultyLedger) RevokeAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	if err := l.fault("RevokeAccess", true); err != nil {
		return false, err
	}
	return l.Ledger.RevokeAccess(ctx, patient, doctor)
}

func (l *FaultyLedger) HasAccess(ctx context.Context, patient, doctor types.Address) (bool, error) {
	if err := l.fault("HasAccess", false); err != nil {
		return false, err
	}
	return l.Ledger.HasAccess(ctx, patient, doctor)
}

func (l *FaultyLedger) AllowedDoctors(ctx context.Context, patient types.Address) ([]types.Address, error) {
	if err := l.fault("AllowedDoctors", false); err != nil {
		return nil, err
	}
	return l.Ledger.AllowedDoctors(ctx, patient)
}

func (l *FaultyLedger) AppendRecord(ctx context.Context, patient, addedBy types.Address, contentHash, metaHash string) (*types.AppendResult, error) {
	if err := l.fault("AppendRecord", true); err != nil {
		return nil, err
	}
	return l.Ledger.AppendRecord(ctx, patient, addedBy, contentHash, metaHash)
}

func (l *FaultyLedger) Records(ctx context.Context, patient types.Address) ([]types.RecordPointer, error) {
	if err := l.fault("Records", false); err != nil {
		return nil, err
	}
	return l.Ledger.Records(ctx, patient)
}

func (l *FaultyLedger) AppendMessage(ctx context.Context, patient, doctor, sender types.Address, hash string) (*types.AppendResult, error) {
	if err := l.fault("AppendMessage", true); err != nil {
		return nil, err
	}
	return l.Ledger.AppendMessage(ctx, patient, doctor, sender, hash)
}

func (l *FaultyLedger) Messages(ctx context.Context, patient, doctor types.Address) ([]string, error) {
	if err := l.fault("Messages", false); err != nil {
		return nil, err
	}
	return l.Ledger.Messages(ctx, patient, doctor)
}

func (l *FaultyLedger) CreateLabRequest(ctx context.Context, req *types.LabRequest) (int, error) {
	if err := l.fault("CreateLabRequest", true); err != nil {
		return 0, err
	}
	return l.Ledger.CreateLabRequest(ctx, req)
}

func (l *FaultyLedger) CompleteLabRequest(ctx context.Context, lab, patient types.Address, index int, resultHash string) (*types.LabRequest, error) {
	if err := l.fault("CompleteLabRequest", true); err != nil {
		return nil, err
	}
	return l.Ledger.CompleteLabRequest(ctx, lab, patient, index, resultHash)
}

// FaultyContent wraps a ContentStore and fails chosen calls on demand
type FaultyContent struct {
	interfaces.ContentStore
	faults  *faults
	mu      sync.Mutex
	badHash map[string]bool
}

// NewFaultyContent wraps s
func NewFaultyContent(s interfaces.ContentStore) *FaultyContent {
	return &FaultyContent{ContentStore: s, faults: newFaults(), badHash: map[string]bool{}}
}

// Fail makes the next times calls of method ("Put", "PutJSON", "Get",
// "GetJSON") fail. times < 0 fails every call.
func (c *FaultyContent) Fail(method string, times int) {
	c.faults.set(method, ErrInjected, times)
}

// FailHash makes every read of hash fail
func (c *FaultyContent) FailHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badHash[hash] = true
}

// Calls returns how many times method was invoked
func (c *FaultyContent) Calls(method string) int {
	return c.faults.calls(method)
}

func (c *FaultyContent) readFault(method, hash string) error {
	if err := c.faults.check(method); err != nil {
		return types.NewContentError(method, hash, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.badHash[hash] {
		return types.NewContentError(method, hash, ErrInjected)
	}
	return nil
}

func (c *FaultyContent) Put(ctx context.Context, data []byte) (string, error) {
	if err := c.faults.check("Put"); err != nil {
		return "", types.NewContentError("Put", "", err)
	}
	return c.ContentStore.Put(ctx, data)
}

func (c *FaultyContent) PutJSON(ctx context.Context, v interface{}) (string, error) {
	if err := c.faults.check("PutJSON"); err != nil {
		return "", types.NewContentError("PutJSON", "", err)
	}
	return c.ContentStore.PutJSON(ctx, v)
}

func (c *FaultyContent) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := c.readFault("Get", hash); err != nil {
		return nil, err
	}
	return c.ContentStore.Get(ctx, hash)
}

func (c *FaultyContent) GetJSON(ctx context.Context, hash string, v interface{}) error {
	if err := c.readFault("GetJSON", hash); err != nil {
		return err
	}
	return c.ContentStore.GetJSON(ctx, hash, v)
}
