package conversation

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/medrex/nuvora-ehr/internal/access"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/medrex/nuvora-ehr/internal/testenv"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestAssembler(t *testing.T) (*Assembler, *access.Manager, *testenv.Env) {
	env := testenv.New(t)
	env.Seed(t)
	resolver := identity.NewResolver(env.Ledger, env.Content, env.Trail, env.Logger, env.Metrics)
	acl := access.NewManager(env.Ledger, resolver, env.Cache, env.Trail, env.Logger)
	return NewAssembler(env.Ledger, env.Content, acl, env.Cache, env.Trail, env.Logger, env.Metrics), acl, env
}

func (a *Assembler) at(ts time.Time) *Assembler {
	a.now = func() time.Time { return ts }
	return a
}

func texts(messages []types.ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Message
	}
	return out
}

func TestAssembler_ReplyOrderedByTimestamp(t *testing.T) {
	a, _, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)
	doctor := testenv.Session(testenv.DoctorB, types.RoleDoctor)

	// B's message is appended first but carries the later timestamp
	_, err := a.at(t0.Add(time.Minute)).SendMessage(ctx, doctor, testenv.PatientA.String(), "Hello")
	require.NoError(t, err)
	_, err = a.at(t0).SendMessage(ctx, patient, testenv.DoctorB.String(), "Hi")
	require.NoError(t, err)

	conv, err := a.LoadConversation(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "Hello"}, texts(conv.Messages))
	assert.Equal(t, testenv.PatientA, conv.Patient)
	assert.Equal(t, testenv.DoctorB, conv.Doctor)
	assert.Equal(t, types.RolePatient, conv.Messages[0].SenderType)
	assert.Equal(t, testenv.DoctorB, conv.Messages[1].Sender)

	fromDoctor, err := a.LoadConversation(ctx, doctor, testenv.PatientA.String())
	require.NoError(t, err)
	assert.Equal(t, texts(conv.Messages), texts(fromDoctor.Messages), "both sides see the same thread")
}

func TestAssembler_NonDecreasingForAnyAppendOrder(t *testing.T) {
	a, _, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	sessions := []*types.Session{
		testenv.Session(testenv.PatientA, types.RolePatient),
		testenv.Session(testenv.DoctorB, types.RoleDoctor),
	}
	counterparts := []string{testenv.DoctorB.String(), testenv.PatientA.String()}

	rng := rand.New(rand.NewSource(42))
	for i, offset := range rng.Perm(12) {
		side := i % 2
		// Offsets collide on purpose so ties are broken by hash
		ts := t0.Add(time.Duration(offset/2) * time.Second)
		_, err := a.at(ts).SendMessage(ctx, sessions[side], counterparts[side], string(rune('a'+i)))
		require.NoError(t, err)
	}

	conv, err := a.LoadConversation(ctx, sessions[0], counterparts[0])
	require.NoError(t, err)
	require.Len(t, conv.Messages, 12)
	for i := 1; i < len(conv.Messages); i++ {
		prev, cur := conv.Messages[i-1], conv.Messages[i]
		assert.False(t, cur.Timestamp.Before(prev.Timestamp), "message %d is out of order", i)
		if cur.Timestamp.Equal(prev.Timestamp) {
			assert.Less(t, prev.Hash, cur.Hash)
		}
	}
}

func TestAssembler_Placeholders(t *testing.T) {
	a, _, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	_, err := a.at(t0).SendMessage(ctx, patient, testenv.DoctorB.String(), "first")
	require.NoError(t, err)
	lost, err := a.at(t0.Add(time.Second)).SendMessage(ctx, patient, testenv.DoctorB.String(), "second")
	require.NoError(t, err)
	env.Content.FailHash(lost.Hash)

	loadedAt := t0.Add(time.Hour)
	conv, err := a.at(loadedAt).LoadConversation(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].Message)

	ph := conv.Messages[1]
	assert.True(t, ph.Error)
	assert.Equal(t, types.SenderTypeSystem, ph.SenderType)
	assert.Equal(t, types.PlaceholderText, ph.Message)
	assert.Equal(t, lost.Hash, ph.Hash)
	assert.Equal(t, loadedAt, ph.Timestamp)

	require.Len(t, conv.Failures, 1)
	assert.Equal(t, lost.Hash, conv.Failures[0].Item)
	assert.Equal(t, types.ErrorKindContentUnavailable, conv.Failures[0].Kind)
}

func TestAssembler_PendingCache(t *testing.T) {
	a, _, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)
	doctor := testenv.Session(testenv.DoctorB, types.RoleDoctor)

	_, err := a.LoadConversation(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)

	sent, err := a.at(t0).SendMessage(ctx, patient, testenv.DoctorB.String(), "  Any news?  ")
	require.NoError(t, err)
	assert.True(t, sent.Pending)
	assert.Equal(t, "Any news?", sent.Message)

	cached, ok, err := a.CachedConversation(ctx, doctor, testenv.PatientA.String())
	require.NoError(t, err)
	require.True(t, ok, "both sides share the pair cache")
	require.Len(t, cached.Messages, 1)
	assert.True(t, cached.Messages[0].Pending)

	conv, err := a.LoadConversation(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.False(t, conv.Messages[0].Pending)
	assert.Equal(t, sent.Hash, conv.Messages[0].Hash)

	cached, ok, err = a.CachedConversation(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cached.Messages[0].Pending, "the load replaces the cached thread")

	_, ok, err = a.CachedConversation(ctx, testenv.Session(testenv.LabL, types.RoleLab), testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))
	assert.False(t, ok)
}

func TestAssembler_RevokeDuringLoad(t *testing.T) {
	a, acl, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)
	doctor := testenv.Session(testenv.DoctorB, types.RoleDoctor)

	_, err := a.SendMessage(ctx, patient, testenv.DoctorB.String(), "secret diagnosis")
	require.NoError(t, err)

	// The revoke commits after the load passed its grant check but before
	// the load writes the cache
	env.Ledger.BeforeNext("Messages", func() {
		_, err := acl.Revoke(ctx, patient, testenv.DoctorB.String())
		require.NoError(t, err)
	})
	_, err = a.LoadConversation(ctx, doctor, testenv.PatientA.String())
	require.NoError(t, err)

	active, err := env.Ledger.HasAccess(ctx, testenv.PatientA, testenv.DoctorB)
	require.NoError(t, err)
	require.False(t, active)

	conv, ok, err := a.CachedConversation(ctx, doctor, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))
	assert.False(t, ok)
	assert.Nil(t, conv)

	_, ok = env.Cache.Conversation(testenv.PatientA, testenv.DoctorB)
	assert.False(t, ok, "the denied read purges the stale thread")
}

func TestAssembler_RequiresGrant(t *testing.T) {
	a, acl, env := setupTestAssembler(t)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)
	doctor := testenv.Session(testenv.DoctorB, types.RoleDoctor)
	puts := env.Content.Calls("PutJSON")

	_, err := a.SendMessage(ctx, doctor, testenv.PatientA.String(), "Hello")
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))
	_, err = a.SendMessage(ctx, patient, testenv.DoctorB.String(), "Hello")
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err), "patients need the grant too")
	assert.Equal(t, puts, env.Content.Calls("PutJSON"), "nothing is stored without a grant")

	_, err = acl.Grant(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	_, err = a.SendMessage(ctx, doctor, testenv.PatientA.String(), "Hello")
	require.NoError(t, err)

	_, err = acl.Revoke(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)
	_, ok, err := a.CachedConversation(ctx, doctor, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))
	assert.False(t, ok, "revoke purges the thread")

	_, err = a.LoadConversation(ctx, doctor, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))
}

func TestAssembler_Failures(t *testing.T) {
	a, _, env := setupTestAssembler(t)
	env.Grant(t, testenv.PatientA, testenv.DoctorB)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	tests := []struct {
		name    string
		session *types.Session
		to      string
		text    string
		kind    types.ErrorKind
	}{
		{"not connected", nil, testenv.DoctorB.String(), "hi", types.ErrorKindNotConnected},
		{"lab cannot chat", testenv.Session(testenv.LabL, types.RoleLab), testenv.PatientA.String(), "hi", types.ErrorKindUnauthorized},
		{"empty message", patient, testenv.DoctorB.String(), "   ", types.ErrorKindValidation},
		{"malformed counterpart", patient, "doctor-b", "hi", types.ErrorKindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.SendMessage(ctx, tt.session, tt.to, tt.text)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}

	env.Ledger.Fail("AppendMessage", 1)
	_, err := a.SendMessage(ctx, patient, testenv.DoctorB.String(), "hi")
	assert.Equal(t, types.ErrorKindLedgerWriteFailed, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))

	env.Ledger.Fail("Messages", 1)
	_, err = a.LoadConversation(ctx, patient, testenv.DoctorB.String())
	assert.Equal(t, types.ErrorKindLedgerUnavailable, types.KindOf(err))

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.SendMessage(ctx, patient, testenv.DoctorB.String(), "hi")
	assert.Error(t, err)
}
