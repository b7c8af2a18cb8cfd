package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const blobPrefix = "blob:"

// ErrNotFound is returned by Fetch when no payload is stored under a hash
var ErrNotFound = errors.New("content not found")

// LevelStore keeps payloads in a LevelDB database keyed by their hash.
// With a Sealer set, payloads are encrypted at rest.
type LevelStore struct {
	db     *leveldb.DB
	sealer *Sealer
}

// NewLevelStore opens (or creates) a LevelDB content database at path
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open content database: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// NewMemLevelStore creates a LevelStore on in-memory storage
func NewMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory content database: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// WithSealer makes the store encrypt payloads at rest
func (s *LevelStore) WithSealer(sealer *Sealer) *LevelStore {
	s.sealer = sealer
	return s
}

// PutBlob stores data under its raw-codec hash. Storing the same bytes twice
// is a no-op that returns the same hash.
func (s *LevelStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash, err := HashBytes(data)
	if err != nil {
		return "", err
	}
	stored := data
	if s.sealer != nil {
		if stored, err = s.sealer.Seal(hash, data); err != nil {
			return "", err
		}
	}
	if err := s.db.Put(key(hash), stored, nil); err != nil {
		return "", fmt.Errorf("failed to store content: %w", err)
	}
	return hash, nil
}

// PutDocument stores a JSON document like any other blob
func (s *LevelStore) PutDocument(ctx context.Context, doc []byte) (string, error) {
	return s.PutBlob(ctx, doc)
}

// Fetch returns the payload stored under hash
func (s *LevelStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get(key(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if s.sealer != nil {
		return s.sealer.Open(hash, data)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Ping reads a database property
func (s *LevelStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

// Close closes the database
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func key(hash string) []byte {
	return []byte(blobPrefix + hash)
}
