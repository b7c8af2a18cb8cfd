package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	"github.com/medrex/nuvora-ehr/chaincode/ehr-ledger/ehrledger"
	"github.com/medrex/nuvora-ehr/internal/ledger/worldstate"
)

// EmbeddedGateway runs the ehr-ledger contract in process over an in-memory
// world state. Invocations are serialized, so each one is its own committed
// transaction.
type EmbeddedGateway struct {
	mu     sync.Mutex
	cc     *contractapi.ContractChaincode
	state  *worldstate.State
	closed bool
}

// NewEmbeddedGateway creates an in-process ledger with empty world state
func NewEmbeddedGateway(name string) (*EmbeddedGateway, error) {
	cc, err := contractapi.NewChaincode(&ehrledger.SmartContract{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ehr-ledger chaincode: %w", err)
	}
	return &EmbeddedGateway{cc: cc, state: worldstate.New(name)}, nil
}

// Submit invokes a state-changing contract function
func (g *EmbeddedGateway) Submit(ctx context.Context, function string, args ...string) ([]byte, string, error) {
	txID := uuid.New().String()
	payload, err := g.invoke(ctx, txID, function, args)
	return payload, txID, err
}

// Evaluate invokes a read-only contract function
func (g *EmbeddedGateway) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	return g.invoke(ctx, uuid.New().String(), function, args)
}

// Close marks the gateway closed
func (g *EmbeddedGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *EmbeddedGateway) invoke(ctx context.Context, txID, function string, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make([][]byte, 0, len(args)+1)
	in = append(in, []byte(function))
	for _, a := range args {
		in = append(in, []byte(a))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("embedded ledger is closed")
	}

	payload, err := g.state.Invoke(g.cc, txID, in)
	if err != nil {
		return nil, &ChaincodeError{Function: function, Message: err.Error()}
	}
	return payload, nil
}
