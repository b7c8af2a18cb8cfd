package cache

import (
	"testing"
	"time"

	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	patientA = types.MustParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	doctorB  = types.MustParseAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func TestPairCache_Conversation(t *testing.T) {
	c := NewPairCache(16, time.Minute, nil)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	_, ok := c.Conversation(patientA, doctorB)
	assert.False(t, ok)

	c.SetConversation(patientA, doctorB, []types.ChatMessage{{Message: "Hi", Timestamp: t0, Hash: "h1"}})

	t.Run("addresses are case-insensitive", func(t *testing.T) {
		lower := types.Address("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
		msgs, ok := c.Conversation(lower, doctorB)
		require.True(t, ok)
		assert.Len(t, msgs, 1)
	})

	t.Run("pending message is appended in order", func(t *testing.T) {
		c.AppendPending(patientA, doctorB, types.ChatMessage{Message: "Hello", Timestamp: t0.Add(time.Minute), Hash: "h2"})
		msgs, ok := c.Conversation(patientA, doctorB)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Hello", msgs[1].Message)
		assert.True(t, msgs[1].Pending)
		assert.False(t, msgs[0].Pending)
	})

	t.Run("returned slices are copies", func(t *testing.T) {
		msgs, _ := c.Conversation(patientA, doctorB)
		msgs[0].Message = "changed"
		again, _ := c.Conversation(patientA, doctorB)
		assert.Equal(t, "Hi", again[0].Message)
	})

	t.Run("purge drops the pair", func(t *testing.T) {
		c.SetRecords(patientA, doctorB, []types.Record{{RecordPointer: types.RecordPointer{Index: 0}}})
		c.PurgePair(patientA, doctorB)
		_, ok := c.Conversation(patientA, doctorB)
		assert.False(t, ok)
		_, ok = c.Records(patientA, doctorB)
		assert.False(t, ok)
	})
}

func TestPairCache_PendingWithoutThread(t *testing.T) {
	c := NewPairCache(16, time.Minute, nil)
	c.AppendPending(patientA, doctorB, types.ChatMessage{Message: "first", Hash: "h"})
	msgs, ok := c.Conversation(patientA, doctorB)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
}

func TestPairCache_Expiry(t *testing.T) {
	c := NewPairCache(16, 20*time.Millisecond, nil)
	c.SetRecords(patientA, doctorB, []types.Record{{}})

	assert.Eventually(t, func() bool {
		_, ok := c.Records(patientA, doctorB)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
