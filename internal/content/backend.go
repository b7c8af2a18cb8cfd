package content

import "context"

// Backend is a raw content-addressed blob store. Store adds deadlines,
// integrity checks and instrumentation on top of it.
type Backend interface {
	// PutBlob stores an opaque payload and returns its hash
	PutBlob(ctx context.Context, data []byte) (string, error)
	// PutDocument stores a JSON document and returns its hash
	PutDocument(ctx context.Context, doc []byte) (string, error)
	// Fetch returns the payload stored under hash
	Fetch(ctx context.Context, hash string) ([]byte, error)
	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
	Close() error
}
