package records

import (
	"context"
	"testing"

	"github.com/medrex/nuvora-ehr/internal/access"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/medrex/nuvora-ehr/internal/testenv"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCoordinator(t *testing.T, maxUpload int64) (*Coordinator, *access.Manager, *testenv.Env) {
	env := testenv.New(t)
	env.Seed(t)
	resolver := identity.NewResolver(env.Ledger, env.Content, env.Trail, env.Logger, env.Metrics)
	acl := access.NewManager(env.Ledger, resolver, env.Cache, env.Trail, env.Logger)
	return NewCoordinator(env.Ledger, env.Content, acl, env.Cache, env.Trail, env.Logger, env.Metrics, maxUpload), acl, env
}

func scan(data string) *types.RecordFile {
	return &types.RecordFile{Name: "scan.pdf", ContentType: "application/pdf", Data: []byte(data)}
}

func TestCoordinator_AddAndList(t *testing.T) {
	c, _, _ := setupTestCoordinator(t, 0)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	record, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("%PDF-1.4 blood panel"), "  Blood panel  ")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Index)
	assert.Equal(t, testenv.PatientA, record.AddedBy)
	assert.Equal(t, "Blood panel", record.Metadata.Description)

	list, err := c.ListRecords(ctx, patient, testenv.PatientA.String())
	require.NoError(t, err)
	require.Len(t, list.Records, 1)
	assert.Empty(t, list.Failures)
	got := list.Records[0]
	assert.Equal(t, record.ContentHash, got.ContentHash)
	assert.Equal(t, record.MetaHash, got.MetaHash)
	assert.Equal(t, types.RecordSourceUpload, got.Source)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "Blood panel", got.Metadata.Description)
	assert.Equal(t, int64(len("%PDF-1.4 blood panel")), got.Metadata.Size)

	data, ptr, err := c.Fetch(ctx, patient, testenv.PatientA.String(), 0)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 blood panel", string(data))
	assert.Equal(t, record.ContentHash, ptr.ContentHash)

	_, _, err = c.Fetch(ctx, patient, testenv.PatientA.String(), 7)
	assert.Equal(t, types.ErrorKindNotFound, types.KindOf(err))
}

func TestCoordinator_DoctorAccess(t *testing.T) {
	c, acl, _ := setupTestCoordinator(t, 0)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)
	doctor := testenv.Session(testenv.DoctorB, types.RoleDoctor)

	_, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("x-ray"), "chest")
	require.NoError(t, err)

	_, err = c.ListRecords(ctx, doctor, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err), "no grant yet")
	_, err = c.AddRecord(ctx, doctor, testenv.PatientA.String(), scan("note"), "consult")
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err))

	_, err = acl.Grant(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)

	record, err := c.AddRecord(ctx, doctor, testenv.PatientA.String(), scan("note"), "consult")
	require.NoError(t, err)
	assert.Equal(t, testenv.DoctorB, record.AddedBy)

	list, err := c.ListRecords(ctx, doctor, testenv.PatientA.String())
	require.NoError(t, err)
	assert.Len(t, list.Records, 2)

	_, err = acl.Revoke(ctx, patient, testenv.DoctorB.String())
	require.NoError(t, err)

	_, err = c.ListRecords(ctx, doctor, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err), "revoke denies the very next read")
	_, ok := c.cache.Records(testenv.PatientA, testenv.DoctorB)
	assert.False(t, ok)

	_, err = c.ListRecords(ctx, testenv.Session(testenv.PatientE, types.RolePatient), testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err), "patients read only their own records")

	_, err = c.AddRecord(ctx, testenv.Session(testenv.LabL, types.RoleLab), testenv.PatientA.String(), scan("cbc"), "")
	assert.Equal(t, types.ErrorKindUnauthorized, types.KindOf(err), "labs attach results through lab requests")
}

func TestCoordinator_RetryAfterLedgerFailure(t *testing.T) {
	c, _, env := setupTestCoordinator(t, 0)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	env.Ledger.Fail("AppendRecord", 1)
	_, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("mri"), "knee")
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindLedgerWriteFailed, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))

	first, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("mri"), "knee")
	require.NoError(t, err)
	second, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("mri"), "knee")
	require.NoError(t, err)
	assert.Equal(t, first.Index, second.Index)
	assert.Equal(t, first.MetaHash, second.MetaHash, "the committed pointer is reported")

	pointers, err := env.Ledger.Records(ctx, testenv.PatientA)
	require.NoError(t, err)
	assert.Len(t, pointers, 1, "exactly one pointer is committed")
}

func TestCoordinator_Validation(t *testing.T) {
	c, _, env := setupTestCoordinator(t, 8)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	tests := []struct {
		name    string
		session *types.Session
		patient string
		file    *types.RecordFile
		kind    types.ErrorKind
	}{
		{"not connected", nil, testenv.PatientA.String(), scan("ok"), types.ErrorKindNotConnected},
		{"malformed patient", patient, "patient-a", scan("ok"), types.ErrorKindValidation},
		{"missing file", patient, testenv.PatientA.String(), nil, types.ErrorKindValidation},
		{"empty file", patient, testenv.PatientA.String(), scan(""), types.ErrorKindValidation},
		{"file too large", patient, testenv.PatientA.String(), scan("0123456789"), types.ErrorKindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddRecord(ctx, tt.session, tt.patient, tt.file, "")
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}
	assert.Equal(t, 0, env.Content.Calls("Put"), "validation happens before any upload")
	assert.Equal(t, int64(8), c.MaxUploadBytes())
}

func TestCoordinator_MetadataFailures(t *testing.T) {
	c, _, env := setupTestCoordinator(t, 0)
	ctx := context.Background()
	patient := testenv.Session(testenv.PatientA, types.RolePatient)

	good, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("one"), "first")
	require.NoError(t, err)
	bad, err := c.AddRecord(ctx, patient, testenv.PatientA.String(), scan("two"), "second")
	require.NoError(t, err)
	env.Content.FailHash(bad.MetaHash)

	list, err := c.ListRecords(ctx, patient, testenv.PatientA.String())
	require.NoError(t, err)
	require.Len(t, list.Records, 2, "pointers are listed even without metadata")
	assert.NotNil(t, list.Records[0].Metadata)
	assert.Nil(t, list.Records[1].Metadata)
	require.Len(t, list.Failures, 1)
	assert.Equal(t, bad.ContentHash, list.Failures[0].Item)
	assert.Equal(t, types.ErrorKindContentUnavailable, list.Failures[0].Kind)

	// Hydrated metadata is reused from the cache
	reads := env.Content.Calls("GetJSON")
	list, err = c.ListRecords(ctx, patient, testenv.PatientA.String())
	require.NoError(t, err)
	assert.Equal(t, reads+1, env.Content.Calls("GetJSON"), "only the failed entry is fetched again")
	assert.Equal(t, good.MetaHash, list.Records[0].MetaHash)

	env.Ledger.Fail("Records", 1)
	_, err = c.ListRecords(ctx, patient, testenv.PatientA.String())
	assert.Equal(t, types.ErrorKindLedgerUnavailable, types.KindOf(err))
}
