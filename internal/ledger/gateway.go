package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Gateway is the transport to the ehr-ledger contract. Submit returns only
// after the transaction is committed.
type Gateway interface {
	Submit(ctx context.Context, function string, args ...string) (payload []byte, txID string, err error)
	Evaluate(ctx context.Context, function string, args ...string) ([]byte, error)
	Close() error
}

// ChaincodeError is a rejection raised by the contract itself, as opposed to
// a transport or commit failure.
type ChaincodeError struct {
	Function string
	Message  string
}

// Error implements the error interface
func (e *ChaincodeError) Error() string {
	return fmt.Sprintf("chaincode %s rejected: %s", e.Function, e.Message)
}

// Kind maps the contract's "KIND: message" rejection onto an error kind.
// The earliest rejection in the message wins; unprefixed rejections are
// reported as INTERNAL.
func (e *ChaincodeError) Kind() (types.ErrorKind, string) {
	for i := 0; i < len(e.Message); i++ {
		if i > 0 && !isSeparator(e.Message[i-1]) {
			continue
		}
		rest := e.Message[i:]
		for _, p := range types.LedgerErrorPrefixes {
			if strings.HasPrefix(rest, p.Prefix) {
				return p.Kind, strings.TrimSpace(rest[len(p.Prefix):])
			}
		}
	}
	return types.ErrorKindInternal, e.Message
}

func isSeparator(c byte) bool {
	return c == ' ' || c == ',' || c == ';' || c == ':' || c == '('
}
