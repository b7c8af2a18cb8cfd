package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// Store implements interfaces.ContentStore over a Backend
type Store struct {
	backend Backend
	timeout time.Duration
	logger  *logger.Logger
	metrics *monitoring.Metrics
}

// NewStore creates a new content store
func NewStore(backend Backend, timeout time.Duration, log *logger.Logger, metrics *monitoring.Metrics) *Store {
	return &Store{
		backend: backend,
		timeout: timeout,
		logger:  log,
		metrics: metrics,
	}
}

// Open builds the backend selected by cfg.Mode and wraps it in a Store
func Open(cfg *config.Config, log *logger.Logger, metrics *monitoring.Metrics) (*Store, error) {
	var backend Backend
	switch cfg.Content.Mode {
	case config.ContentModeLevelDB:
		ls, err := NewLevelStore(cfg.Content.LevelDBPath)
		if err != nil {
			return nil, err
		}
		if cfg.Content.EncryptionKey != "" {
			sealer, err := NewSealer(cfg.Content.EncryptionKey)
			if err != nil {
				ls.Close()
				return nil, err
			}
			ls.WithSealer(sealer)
		}
		backend = ls
	case config.ContentModePinata:
		backend = NewPinataStore(&cfg.Content, nil)
	default:
		return nil, fmt.Errorf("unknown content mode: %s", cfg.Content.Mode)
	}
	return NewStore(backend, cfg.Timeouts.Content(), log, metrics), nil
}

// Put stores an opaque payload and returns its hash
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	return s.put(ctx, "put", data, s.backend.PutBlob)
}

// PutJSON stores v as a JSON document and returns its hash
func (s *Store) PutJSON(ctx context.Context, v interface{}) (string, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return "", types.NewValidationError("PutJSON", "", "value is not JSON-encodable")
	}
	return s.put(ctx, "put_json", doc, s.backend.PutDocument)
}

// Get returns the payload stored under hash after checking its integrity
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if _, err := ParseHash(hash); err != nil {
		return nil, types.NewValidationError("Get", hash, "malformed content hash")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := monitoring.StartContentSpan(ctx, "get", hash)
	defer span.End()

	start := time.Now()
	data, err := s.backend.Fetch(ctx, hash)
	if err == nil {
		err = Verify(hash, data)
	}
	s.metrics.RecordContentOperation("get", err == nil, time.Since(start))

	if err != nil {
		monitoring.RecordError(span, err)
		s.logger.ContentOperation(ctx, "get", hash, false, map[string]interface{}{"error": err.Error()})
		return nil, types.NewContentError("Get", hash, err)
	}

	s.logger.ContentOperation(ctx, "get", hash, true, map[string]interface{}{"size": len(data)})
	return data, nil
}

// GetJSON fetches hash and decodes it into v
func (s *Store) GetJSON(ctx context.Context, hash string, v interface{}) error {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return types.Rebind(err, "GetJSON", hash)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewError(types.ErrorKindValidation, "GetJSON", hash, "malformed content document", err)
	}
	return nil
}

// Ping checks the backend for health reporting
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Ping(ctx)
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, op string, data []byte, write func(context.Context, []byte) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := monitoring.StartContentSpan(ctx, op, "")
	defer span.End()

	start := time.Now()
	hash, err := write(ctx, data)
	s.metrics.RecordContentOperation(op, err == nil, time.Since(start))

	if err != nil {
		monitoring.RecordError(span, err)
		s.logger.ContentOperation(ctx, op, "", false, map[string]interface{}{"error": err.Error(), "size": len(data)})
		return "", types.NewContentError(opName(op), "", err)
	}

	s.logger.ContentOperation(ctx, op, hash, true, map[string]interface{}{"size": len(data)})
	return hash, nil
}

func opName(op string) string {
	if op == "put_json" {
		return "PutJSON"
	}
	return "Put"
}
