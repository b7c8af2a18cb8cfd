// Package worldstate keeps ledger world state in memory and runs chaincode
// transactions against it through the shim stub interface.
package worldstate

import (
	"errors"
	"sync"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// State is a key-value world state shared by every transaction of one
// in-process ledger. Transactions run one at a time; the writes of a
// rejected transaction are discarded.
type State struct {
	mu      sync.Mutex
	channel string
	data    map[string][]byte
	now     func() time.Time
}

// New creates an empty world state for channel
func New(channel string) *State {
	return &State{
		channel: channel,
		data:    make(map[string][]byte),
		now:     time.Now,
	}
}

// Invoke runs one transaction. args holds the function name followed by its
// arguments. A non-OK chaincode response is returned as an error carrying
// the chaincode message.
func (s *State) Invoke(cc shim.Chaincode, txID string, args [][]byte) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("transaction has no function name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stub := &Stub{
		state:  s,
		txID:   txID,
		args:   args,
		ts:     timestamppb.New(s.now()),
		writes: make(map[string][]byte),
	}

	resp := cc.Invoke(stub)
	if resp.Status != shim.OK {
		return nil, errors.New(resp.Message)
	}

	for key, value := range stub.writes {
		if value == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = value
	}
	return resp.Payload, nil
}

// Stub is the stub handed to chaincode for one transaction. It implements
// the calls contracts make for plain key-value state; anything else panics
// through the nil embedded interface.
type Stub struct {
	shim.ChaincodeStubInterface

	state  *State
	txID   string
	args   [][]byte
	ts     *timestamppb.Timestamp
	writes map[string][]byte
}

func (s *Stub) GetArgs() [][]byte {
	return s.args
}

func (s *Stub) GetStringArgs() []string {
	out := make([]string, len(s.args))
	for i, a := range s.args {
		out[i] = string(a)
	}
	return out
}

func (s *Stub) GetFunctionAndParameters() (string, []string) {
	all := s.GetStringArgs()
	return all[0], all[1:]
}

func (s *Stub) GetArgsSlice() ([]byte, error) {
	var out []byte
	for _, a := range s.args {
		out = append(out, a...)
	}
	return out, nil
}

func (s *Stub) GetTxID() string {
	return s.txID
}

func (s *Stub) GetChannelID() string {
	return s.state.channel
}

// GetCreator returns no identity; contracts see an anonymous client
func (s *Stub) GetCreator() ([]byte, error) {
	return nil, nil
}

func (s *Stub) GetTransient() (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (s *Stub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	return s.ts, nil
}

// GetState reads the transaction's own writes before committed state
func (s *Stub) GetState(key string) ([]byte, error) {
	if value, ok := s.writes[key]; ok {
		return value, nil
	}
	return s.state.data[key], nil
}

func (s *Stub) PutState(key string, value []byte) error {
	if key == "" {
		return errors.New("key must not be an empty string")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.writes[key] = stored
	return nil
}

func (s *Stub) DelState(key string) error {
	s.writes[key] = nil
	return nil
}

func (s *Stub) SetEvent(name string, payload []byte) error {
	if name == "" {
		return errors.New("event name can not be empty string")
	}
	return nil
}
