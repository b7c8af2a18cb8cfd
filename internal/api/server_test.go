package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medrex/nuvora-ehr/internal/testenv"
	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/monitoring"
	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	env    *testenv.Env
	server *Server
	tokens *TokenIssuer
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func setupTestServer(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()
	env := testenv.New(t)
	env.Seed(t)

	cfg := &config.Config{
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Auth:       config.AuthConfig{SessionSecret: "test-secret", Issuer: "nuvora-test", TokenTTL: 300},
		Monitoring: config.MonitoringConfig{HealthPath: "/health", MetricsPath: "/metrics"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	tokens, err := NewTokenIssuer(&cfg.Auth)
	require.NoError(t, err)

	svc := NewServices(env.Ledger, env.Content, env.Cache, env.Trail, env.Logger, env.Metrics, 1<<20)
	health := monitoring.NewHealthManager("nuvora-test", "test")
	return &apiFixture{
		env:    env,
		server: NewServer(cfg, svc, tokens, health, env.Logger, env.Metrics),
		tokens: tokens,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, as types.Address, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if as != "" {
		token, _, err := f.tokens.Issue(as.String())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, as types.Address, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return f.do(t, method, path, as, body, "application/json")
}

func (f *apiFixture) upload(t *testing.T, path string, as types.Address, name string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return f.do(t, http.MethodPost, path, as, &buf, mw.FormDataContentType())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, code, body.Error.Code)
	return body
}

func TestServer_Authentication(t *testing.T) {
	f := setupTestServer(t, nil)

	t.Run("missing header", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/session", "", nil, "")
		requireError(t, rec, http.StatusUnauthorized, "NOT_CONNECTED")
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		requireError(t, rec, http.StatusUnauthorized, "NOT_CONNECTED")
	})

	t.Run("session resolves role from ledger", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/session", testenv.DoctorB, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp sessionResponse
		decode(t, rec, &resp)
		assert.Equal(t, types.RoleDoctor, resp.Session.Role)
		assert.Equal(t, "Cardiology", resp.Identity.Specialization)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}

func TestServer_RegisterAndProfile(t *testing.T) {
	f := setupTestServer(t, nil)

	profile := map[string]interface{}{
		"firstName": "Sam",
		"lastName":  "Rivera",
		"age":       "41",
		"gender":    "female",
		"phone":     "555-0100",
		"email":     "sam@example.com",
	}

	rec := f.doJSON(t, http.MethodPost, "/api/v1/register/patient", testenv.Stranger, profile)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var id types.Identity
	decode(t, rec, &id)
	assert.Equal(t, types.RolePatient, id.Role)
	assert.Equal(t, "Sam Rivera", id.DisplayName())

	// The role of a registered wallet never changes
	rec = f.doJSON(t, http.MethodPost, "/api/v1/register/doctor", testenv.Stranger, profile)
	requireError(t, rec, http.StatusConflict, "CONFLICT")

	profile["phone"] = "555-0199"
	rec = f.doJSON(t, http.MethodPut, "/api/v1/profile", testenv.Stranger, profile)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodPut, "/api/v1/profile", testenv.Stranger, map[string]interface{}{"firstName": "Sam"})
	requireError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")

	rec = f.do(t, http.MethodPost, "/api/v1/register/patient", testenv.PatientE, bytes.NewBufferString("{"), "application/json")
	requireError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")
}

func TestServer_GrantsAndRecords(t *testing.T) {
	f := setupTestServer(t, nil)
	a := testenv.PatientA.String()

	rec := f.doJSON(t, http.MethodPost, "/api/v1/grants/"+testenv.DoctorB.String(), testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var grant grantResponse
	decode(t, rec, &grant)
	assert.True(t, grant.Grant.Granted)
	assert.True(t, grant.Grant.Changed)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/patients", testenv.DoctorB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var patients types.IdentityList
	decode(t, rec, &patients)
	require.Len(t, patients.Identities, 1)
	assert.Equal(t, testenv.PatientA, patients.Identities[0].Address)

	// Doctors cannot grant
	rec = f.doJSON(t, http.MethodPost, "/api/v1/grants/"+testenv.DoctorC.String(), testenv.DoctorB, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	file := []byte("blood panel, all values nominal")
	rec = f.upload(t, "/api/v1/patients/"+a+"/records", testenv.DoctorB, "panel.txt", file, map[string]string{"description": "Blood panel"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record types.Record
	decode(t, rec, &record)
	assert.Equal(t, 0, record.Index)
	assert.Equal(t, testenv.DoctorB, record.AddedBy)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/patients/"+a+"/records", testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list types.RecordList
	decode(t, rec, &list)
	require.Len(t, list.Records, 1)
	require.NotNil(t, list.Records[0].Metadata)
	assert.Equal(t, "Blood panel", list.Records[0].Metadata.Description)
	assert.Equal(t, "panel.txt", list.Records[0].Metadata.FileName)

	rec = f.do(t, http.MethodGet, "/api/v1/patients/"+a+"/records/0", testenv.DoctorB, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, file, rec.Body.Bytes())
	assert.Equal(t, record.ContentHash, rec.Header().Get("X-Content-Hash"))

	rec = f.do(t, http.MethodGet, "/api/v1/patients/"+a+"/records/7", testenv.DoctorB, nil, "")
	requireError(t, rec, http.StatusNotFound, "NOT_FOUND")

	// A doctor without a grant is refused
	rec = f.doJSON(t, http.MethodGet, "/api/v1/patients/"+a+"/records", testenv.DoctorC, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	rec = f.doJSON(t, http.MethodDelete, "/api/v1/grants/"+testenv.DoctorB.String(), testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/patients/"+a+"/records", testenv.DoctorB, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")
}

func TestServer_UploadLimit(t *testing.T) {
	f := setupTestServer(t, nil)

	big := bytes.Repeat([]byte("x"), 3<<20)
	rec := f.upload(t, "/api/v1/patients/"+testenv.PatientA.String()+"/records", testenv.PatientA, "big.bin", big, nil)
	requireError(t, rec, http.StatusRequestEntityTooLarge, "VALIDATION_FAILED")
	assert.Equal(t, 0, f.env.Content.Calls("Put"))

	rec = f.upload(t, "/api/v1/patients/"+testenv.PatientA.String()+"/records", testenv.PatientA, "empty.txt", nil, nil)
	requireError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")
}

func TestServer_Conversation(t *testing.T) {
	f := setupTestServer(t, nil)
	f.env.Grant(t, testenv.PatientA, testenv.DoctorB)

	rec := f.doJSON(t, http.MethodPost, "/api/v1/conversations/"+testenv.PatientA.String(), testenv.DoctorB, &sendMessageRequest{Message: "Your results are in"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent types.ChatMessage
	decode(t, rec, &sent)
	assert.True(t, sent.Pending)
	assert.Equal(t, types.RoleDoctor, sent.SenderType)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/conversations/"+testenv.DoctorB.String(), testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv types.Conversation
	decode(t, rec, &conv)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Your results are in", conv.Messages[0].Message)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/conversations/"+testenv.DoctorB.String()+"?cached=true", testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = f.doJSON(t, http.MethodPost, "/api/v1/conversations/"+testenv.DoctorB.String(), testenv.PatientA, &sendMessageRequest{Message: "   "})
	requireError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")

	rec = f.doJSON(t, http.MethodGet, "/api/v1/conversations/"+testenv.DoctorC.String(), testenv.PatientA, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	// The cached view is gated on the live grant
	f.env.Cache.SetConversation(testenv.PatientA, testenv.DoctorB, conv.Messages)
	_, err := f.env.Ledger.RevokeAccess(context.Background(), testenv.PatientA, testenv.DoctorB)
	require.NoError(t, err)
	rec = f.doJSON(t, http.MethodGet, "/api/v1/conversations/"+testenv.PatientA.String()+"?cached=true", testenv.DoctorB, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")
}

func TestServer_LabFlow(t *testing.T) {
	f := setupTestServer(t, nil)
	f.env.Grant(t, testenv.PatientA, testenv.DoctorB)
	a := testenv.PatientA.String()

	rec := f.doJSON(t, http.MethodPost, "/api/v1/lab/requests", testenv.DoctorB, &labRequestBody{
		Patient:     a,
		Lab:         testenv.LabL.String(),
		TestMessage: "Complete blood count",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var lr types.LabRequest
	decode(t, rec, &lr)
	assert.Equal(t, types.LabStateRequested, lr.State())

	// Requested-only work is not on the lab's queue yet
	rec = f.doJSON(t, http.MethodGet, "/api/v1/lab/queue", testenv.LabL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue types.LabQueue
	decode(t, rec, &queue)
	assert.Empty(t, queue.Pending)

	resultPath := fmt.Sprintf("/api/v1/lab/queue/%s/%d/result", a, lr.Index)
	pdf := []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n")
	rec = f.upload(t, resultPath, testenv.LabL, "cbc.pdf", pdf, nil)
	requireError(t, rec, http.StatusConflict, "INVALID_STATE")

	rec = f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/lab/requests/%d/approve", lr.Index), testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.doJSON(t, http.MethodGet, "/api/v1/lab/queue", testenv.LabL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue = types.LabQueue{}
	decode(t, rec, &queue)
	require.Len(t, queue.Pending, 1)
	assert.Equal(t, types.LabStatePatientApproved, queue.Pending[0].State)
	require.NotNil(t, queue.Pending[0].Owner)
	assert.Equal(t, testenv.PatientA, queue.Pending[0].Owner.Address)

	rec = f.upload(t, resultPath, testenv.DoctorB, "cbc.pdf", pdf, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	rec = f.upload(t, resultPath, testenv.LabL, "cbc.pdf", pdf, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &lr)
	assert.Equal(t, types.LabStateCompleted, lr.State())
	assert.NotEmpty(t, lr.ResultHash)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/lab/requests", testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine types.LabRequestList
	decode(t, rec, &mine)
	require.Len(t, mine.Requests, 1)
	assert.Equal(t, types.LabStateCompleted, mine.Requests[0].State)

	// The result became a record on the patient's list
	rec = f.doJSON(t, http.MethodGet, "/api/v1/patients/"+a+"/records", testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list types.RecordList
	decode(t, rec, &list)
	require.Len(t, list.Records, 1)
	assert.Equal(t, lr.ResultHash, list.Records[0].ContentHash)

	// A completed request takes no further result, whatever the hash
	rec = f.doJSON(t, http.MethodPost, resultPath, testenv.LabL, &uploadResultBody{ResultHash: lr.ResultHash})
	requireError(t, rec, http.StatusConflict, "INVALID_STATE")

	rec = f.upload(t, resultPath, testenv.LabL, "other.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), nil)
	requireError(t, rec, http.StatusConflict, "INVALID_STATE")
}

func TestServer_StoreFailures(t *testing.T) {
	f := setupTestServer(t, nil)

	f.env.Ledger.Fail("Records", 1)
	rec := f.doJSON(t, http.MethodGet, "/api/v1/patients/"+testenv.PatientA.String()+"/records", testenv.PatientA, nil)
	body := requireError(t, rec, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE")
	assert.True(t, body.Error.Retryable)
	assert.NotContains(t, body.Error.Message, testenv.ErrInjected.Error())

	f.env.Ledger.Fail("IsPatient", 1)
	rec = f.doJSON(t, http.MethodGet, "/api/v1/session", testenv.PatientA, nil)
	requireError(t, rec, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE")

	f.env.Ledger.Fail("GrantAccess", 1)
	rec = f.doJSON(t, http.MethodPost, "/api/v1/grants/"+testenv.DoctorB.String(), testenv.PatientA, nil)
	requireError(t, rec, http.StatusBadGateway, "LEDGER_WRITE_FAILED")
}

func TestServer_RateLimit(t *testing.T) {
	f := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, BurstSize: 2}
	})

	for i := 0; i < 2; i++ {
		rec := f.doJSON(t, http.MethodGet, "/api/v1/session", testenv.PatientA, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.doJSON(t, http.MethodGet, "/api/v1/session", testenv.PatientA, nil)
	body := requireError(t, rec, http.StatusTooManyRequests, "RATE_LIMITED")
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Buckets are per wallet
	rec = f.doJSON(t, http.MethodGet, "/api/v1/session", testenv.PatientE, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Audit(t *testing.T) {
	f := setupTestServer(t, nil)

	rec := f.doJSON(t, http.MethodPost, "/api/v1/grants/"+testenv.DoctorB.String(), testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/audit?limit=500", testenv.PatientA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []types.AuditEntry `json:"entries"`
	}
	decode(t, rec, &resp)

	var grants int
	for _, e := range resp.Entries {
		assert.Equal(t, testenv.PatientA, e.Account)
		if e.Action == types.AuditGrant {
			grants++
			assert.True(t, e.Success)
		}
	}
	assert.Equal(t, 1, grants)

	rec = f.doJSON(t, http.MethodGet, "/api/v1/audit?limit=-1", testenv.PatientA, nil)
	requireError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := setupTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.doJSON(t, http.MethodGet, "/api/v1/session", testenv.PatientA, nil)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind types.ErrorKind
		want int
	}{
		{types.ErrorKindNotConnected, http.StatusUnauthorized},
		{types.ErrorKindUnauthorized, http.StatusForbidden},
		{types.ErrorKindValidation, http.StatusBadRequest},
		{types.ErrorKindNotFound, http.StatusNotFound},
		{types.ErrorKindInvalidState, http.StatusConflict},
		{types.ErrorKindConflict, http.StatusConflict},
		{types.ErrorKindLedgerUnavailable, http.StatusServiceUnavailable},
		{types.ErrorKindLedgerWriteFailed, http.StatusBadGateway},
		{types.ErrorKindContentUnavailable, http.StatusBadGateway},
		{types.ErrorKindTimeout, http.StatusGatewayTimeout},
		{types.ErrorKindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.kind), string(tt.kind))
	}
}
