package interfaces

import "context"

// ContentStore defines the content-addressed payload store. It makes no
// access decision and has no delete.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	PutJSON(ctx context.Context, v interface{}) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	GetJSON(ctx context.Context, hash string, v interface{}) error
}
