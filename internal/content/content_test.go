package content

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *LevelStore) {
	ls, err := NewMemLevelStore()
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })
	return NewStore(ls, time.Second, logger.NewNop(), nil), ls
}

func TestHashBytes(t *testing.T) {
	a, err := HashBytes([]byte("record"))
	require.NoError(t, err)
	b, err := HashBytes([]byte("record"))
	require.NoError(t, err)
	c, err := HashBytes([]byte("record2"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "bafk"), "CIDv1 raw in base32")

	assert.NoError(t, Verify(a, []byte("record")))
	assert.Error(t, Verify(a, []byte("tampered")))
	assert.Error(t, Verify("not-a-cid", nil))

	// DAG identifiers are opaque
	assert.NoError(t, Verify("QmUNLLsPACCz1vLxQVkXqqLX5R1X345qqfHbsf67hvA3Nn", []byte("anything")))
}

func TestStore_RoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("blob", func(t *testing.T) {
		hash, err := store.Put(ctx, []byte{0x89, 'P', 'N', 'G'})
		require.NoError(t, err)
		data, err := store.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
	})

	t.Run("empty blob", func(t *testing.T) {
		hash, err := store.Put(ctx, []byte{})
		require.NoError(t, err)
		data, err := store.Get(ctx, hash)
		require.NoError(t, err)
		assert.NotNil(t, data)
		assert.Empty(t, data)
	})

	t.Run("same bytes give the same hash", func(t *testing.T) {
		h1, err := store.Put(ctx, []byte("scan"))
		require.NoError(t, err)
		h2, err := store.Put(ctx, []byte("scan"))
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	})

	t.Run("json", func(t *testing.T) {
		in := types.RecordMetadata{Description: "x-ray", Patient: "0xabc", Size: 12}
		hash, err := store.PutJSON(ctx, in)
		require.NoError(t, err)

		var out types.RecordMetadata
		require.NoError(t, store.GetJSON(ctx, hash, &out))
		assert.Equal(t, in, out)
	})

	t.Run("empty json object", func(t *testing.T) {
		hash, err := store.PutJSON(ctx, map[string]string{})
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, store.GetJSON(ctx, hash, &out))
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})
}

func TestStore_Failures(t *testing.T) {
	store, ls := setupTestStore(t)
	ctx := context.Background()

	t.Run("malformed hash is rejected before any read", func(t *testing.T) {
		_, err := store.Get(ctx, "../../etc/passwd")
		assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))
	})

	t.Run("missing hash", func(t *testing.T) {
		hash, err := HashBytes([]byte("never stored"))
		require.NoError(t, err)
		_, err = store.Get(ctx, hash)
		assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))
		assert.True(t, types.IsRetryable(err))
	})

	t.Run("tampered payload", func(t *testing.T) {
		hash, err := HashBytes([]byte("original"))
		require.NoError(t, err)
		require.NoError(t, ls.db.Put(key(hash), []byte("forged"), nil))
		_, err = store.Get(ctx, hash)
		assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))
	})

	t.Run("non-JSON document", func(t *testing.T) {
		hash, err := store.Put(ctx, []byte("plain text"))
		require.NoError(t, err)
		var v map[string]interface{}
		err = store.GetJSON(ctx, hash, &v)
		assert.Equal(t, types.ErrorKindValidation, types.KindOf(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Put(cctx, []byte("late"))
		assert.Error(t, err)
	})
}

func TestLevelStore_Sealed(t *testing.T) {
	ctx := context.Background()
	sealer, err := NewSealer("at-rest-secret")
	require.NoError(t, err)

	ls, err := NewMemLevelStore()
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })
	ls.WithSealer(sealer)
	store := NewStore(ls, time.Second, logger.NewNop(), nil)

	plain := []byte("hemoglobin 13.5 g/dL")
	hash, err := store.Put(ctx, plain)
	require.NoError(t, err)

	expected, err := HashBytes(plain)
	require.NoError(t, err)
	assert.Equal(t, expected, hash, "hash is taken over the plaintext")

	raw, err := ls.db.Get(key(hash), nil)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hemoglobin")

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	empty, err := store.Put(ctx, []byte{})
	require.NoError(t, err)
	got, err = store.Get(ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, got)

	// A payload sealed under one hash cannot be served under another
	other, err := HashBytes([]byte("other"))
	require.NoError(t, err)
	require.NoError(t, ls.db.Put(key(other), raw, nil))
	_, err = store.Get(ctx, other)
	assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))

	wrongKey, err := NewSealer("another-secret")
	require.NoError(t, err)
	ls.WithSealer(wrongKey)
	_, err = store.Get(ctx, hash)
	assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))

	_, err = NewSealer("")
	assert.Error(t, err)
}

// fakePinata is an in-memory stand-in for the Pinata API and gateway
type fakePinata struct {
	mu    sync.Mutex
	blobs map[string][]byte
	auth  []string
}

func (f *fakePinata) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		f.recordAuth(r)
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		f.store(w, data)
	})
	mux.HandleFunc("/pinning/pinJSONToIPFS", func(w http.ResponseWriter, r *http.Request) {
		f.recordAuth(r)
		var req pinJSONRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.store(w, req.PinataContent)
	})
	mux.HandleFunc("/data/testAuthentication", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.blobs[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	return mux
}

func (f *fakePinata) recordAuth(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization")+"|"+r.Header.Get("pinata_api_key"))
}

func (f *fakePinata) store(w http.ResponseWriter, data []byte) {
	hash, _ := HashBytes(data)
	f.mu.Lock()
	f.blobs[hash] = data
	f.mu.Unlock()
	json.NewEncoder(w).Encode(pinResponse{IpfsHash: hash, PinSize: int64(len(data))})
}

func TestPinataStore(t *testing.T) {
	fake := &fakePinata{blobs: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	cfg := &config.ContentConfig{
		PinataAPIURL:   srv.URL,
		PinataGateway:  srv.URL + "/ipfs",
		PinataJWT:      "test-jwt",
		MaxUploadBytes: 1 << 20,
	}
	store := NewStore(NewPinataStore(cfg, srv.Client()), time.Second, logger.NewNop(), nil)
	ctx := context.Background()

	t.Run("file round trip", func(t *testing.T) {
		hash, err := store.Put(ctx, []byte("%PDF-1.4 report"))
		require.NoError(t, err)
		data, err := store.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4 report", string(data))
	})

	t.Run("json round trip", func(t *testing.T) {
		hash, err := store.PutJSON(ctx, map[string]string{"message": "Hello"})
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, store.GetJSON(ctx, hash, &out))
		assert.Equal(t, "Hello", out["message"])
	})

	t.Run("jwt is preferred over key pair", func(t *testing.T) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		require.NotEmpty(t, fake.auth)
		assert.Equal(t, "Bearer test-jwt|", fake.auth[0])
	})

	t.Run("unknown hash", func(t *testing.T) {
		hash, _ := HashBytes([]byte("missing"))
		_, err := store.Get(ctx, hash)
		assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("unreachable api", func(t *testing.T) {
		down := NewStore(NewPinataStore(&config.ContentConfig{PinataAPIURL: "http://127.0.0.1:1", PinataJWT: "x"}, nil), time.Second, logger.NewNop(), nil)
		_, err := down.Put(ctx, []byte("x"))
		assert.Equal(t, types.ErrorKindContentUnavailable, types.KindOf(err))
	})
}
