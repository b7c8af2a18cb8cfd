package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

type entryKind int

const (
	kindConversation entryKind = iota
	kindRecords
)

type pairKey struct {
	kind    entryKind
	patient string
	other   string
}

type entry struct {
	messages []types.ChatMessage
	records  []types.Record
}

// PairCache holds locally assembled conversation threads and hydrated
// record lists per (patient, counterpart) pair. Entries expire after the
// configured TTL and are purged when the pair's grant is revoked.
type PairCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[pairKey, *entry]
	metrics *monitoring.Metrics
}

// NewPairCache creates a new pair cache
func NewPairCache(size int, ttl time.Duration, metrics *monitoring.Metrics) *PairCache {
	if size <= 0 {
		size = 512
	}
	return &PairCache{
		lru:     expirable.NewLRU[pairKey, *entry](size, nil, ttl),
		metrics: metrics,
	}
}

// Conversation returns a copy of the cached thread of a pair
func (c *PairCache) Conversation(patient, doctor types.Address) ([]types.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(keyOf(kindConversation, patient, doctor))
	c.recordLookup(ok)
	if !ok {
		return nil, false
	}
	return append([]types.ChatMessage(nil), e.messages...), true
}

// SetConversation replaces the cached thread of a pair
func (c *PairCache) SetConversation(patient, doctor types.Address, messages []types.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(keyOf(kindConversation, patient, doctor), &entry{messages: append([]types.ChatMessage(nil), messages...)})
}

// AppendPending adds a just-sent message to the cached thread. A pair with
// no cached thread gets a thread holding only that message.
func (c *PairCache) AppendPending(patient, doctor types.Address, msg types.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := keyOf(kindConversation, patient, doctor)
	var messages []types.ChatMessage
	if e, ok := c.lru.Peek(k); ok {
		messages = append(messages, e.messages...)
	}
	msg.Pending = true
	messages = append(messages, msg)
	types.SortMessages(messages)
	c.lru.Add(k, &entry{messages: messages})
}

// Records returns the cached hydrated records a viewer last saw for a patient
func (c *PairCache) Records(patient, viewer types.Address) ([]types.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(keyOf(kindRecords, patient, viewer))
	c.recordLookup(ok)
	if !ok {
		return nil, false
	}
	return append([]types.Record(nil), e.records...), true
}

// SetRecords replaces the cached record list of a (patient, viewer) pair
func (c *PairCache) SetRecords(patient, viewer types.Address, records []types.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(keyOf(kindRecords, patient, viewer), &entry{records: append([]types.Record(nil), records...)})
}

// PurgePair drops everything cached for a pair
func (c *PairCache) PurgePair(patient, doctor types.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(keyOf(kindConversation, patient, doctor))
	c.lru.Remove(keyOf(kindRecords, patient, doctor))
	c.metrics.RecordCacheEvent("purge")
}

// Len returns the number of live entries
func (c *PairCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *PairCache) recordLookup(hit bool) {
	if hit {
		c.metrics.RecordCacheEvent("hit")
	} else {
		c.metrics.RecordCacheEvent("miss")
	}
}

func keyOf(kind entryKind, patient, other types.Address) pairKey {
	return pairKey{
		kind:    kind,
		patient: strings.ToLower(patient.String()),
		other:   strings.ToLower(other.String()),
	}
}
