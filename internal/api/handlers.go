package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

const (
	maxJSONBody      = 1 << 20
	multipartSlack   = 1 << 20
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

type sessionResponse struct {
	Session  *types.Session  `json:"session"`
	Identity *types.Identity `json:"identity"`
}

type grantResponse struct {
	Grant *types.AccessGrant `json:"grant"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type labRequestBody struct {
	Patient     string `json:"patient"`
	Lab         string `json:"lab"`
	TestMessage string `json:"testMessage"`
	ReportHash  string `json:"reportHash,omitempty"`
}

type uploadResultBody struct {
	ResultHash string `json:"resultHash"`
}

// handleSession returns the resolved identity of the caller
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &sessionResponse{Session: sessionFrom(r), Identity: identityFrom(r)})
}

// handleRegister registers the caller under the role in the path
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readRawJSON(w, r)
	if !ok {
		return
	}
	role := types.Role(mux.Vars(r)["role"])

	id, err := s.svc.Registrar.Register(r.Context(), sessionFrom(r), role, doc)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, id)
}

// handleUpdateProfile replaces the caller's profile document
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readRawJSON(w, r)
	if !ok {
		return
	}

	id, err := s.svc.Registrar.UpdateProfile(r.Context(), sessionFrom(r), doc)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleListDoctors(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Directory.ListDoctors(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Directory.ListLabs(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleListGrants lists the doctors the calling patient has granted
func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Access.ListGrantedDoctors(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.svc.Access.Grant(r.Context(), sessionFrom(r), mux.Vars(r)["doctor"])
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &grantResponse{Grant: grant})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	grant, err := s.svc.Access.Revoke(r.Context(), sessionFrom(r), mux.Vars(r)["doctor"])
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &grantResponse{Grant: grant})
}

// handleListPatients lists the patients that granted the calling doctor
func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Access.ListDoctorPatients(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleAddRecord takes a multipart upload with a "file" part and an
// optional "description" field.
func (s *Server) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	file, ok := s.readUpload(w, r, s.svc.Records.MaxUploadBytes())
	if !ok {
		return
	}

	record, err := s.svc.Records.AddRecord(r.Context(), sessionFrom(r), mux.Vars(r)["patient"], file, r.FormValue("description"))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Records.ListRecords(r.Context(), sessionFrom(r), mux.Vars(r)["patient"])
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleFetchRecord streams the stored file of one record
func (s *Server) handleFetchRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, ok := s.pathIndex(w, vars)
	if !ok {
		return
	}

	data, pointer, err := s.svc.Records.Fetch(r.Context(), sessionFrom(r), vars["patient"], index)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Hash", pointer.ContentHash)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("Failed to write record body")
	}
}

// handleLoadConversation assembles the conversation with a counterpart.
// With ?cached=true the last assembled view is returned when present.
func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	counterpart := mux.Vars(r)["counterpart"]

	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		conv, ok, err := s.svc.Conversations.CachedConversation(r.Context(), session, counterpart)
		if err != nil {
			s.writeCoordError(w, r, err)
			return
		}
		if ok {
			w.Header().Set("X-Cache", "HIT")
			s.writeJSON(w, http.StatusOK, conv)
			return
		}
		w.Header().Set("X-Cache", "MISS")
	}

	conv, err := s.svc.Conversations.LoadConversation(r.Context(), session, counterpart)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	msg, err := s.svc.Conversations.SendMessage(r.Context(), sessionFrom(r), mux.Vars(r)["counterpart"], req.Message)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

// handleRequestTest lets a doctor order a lab test for a patient
func (s *Server) handleRequestTest(w http.ResponseWriter, r *http.Request) {
	var req labRequestBody
	if !s.readJSON(w, r, &req) {
		return
	}

	lr, err := s.svc.Lab.RequestTest(r.Context(), sessionFrom(r), req.Patient, req.Lab, req.TestMessage, req.ReportHash)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, lr)
}

// handleListLabRequests lists the calling patient's lab requests
func (s *Server) handleListLabRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Lab.ListForPatient(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, mux.Vars(r))
	if !ok {
		return
	}

	lr, err := s.svc.Lab.Approve(r.Context(), sessionFrom(r), index)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lr)
}

// handleLabQueue returns the calling lab's pending and completed requests
func (s *Server) handleLabQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.svc.Lab.Queue(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queue)
}

// handleUploadResult accepts either a multipart result file or a JSON body
// naming an already stored result hash.
func (s *Server) handleUploadResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, ok := s.pathIndex(w, vars)
	if !ok {
		return
	}
	session := sessionFrom(r)
	patient := vars["patient"]

	var (
		lr  *types.LabRequest
		err error
	)
	if isMultipart(r) {
		file, ok := s.readUpload(w, r, s.svc.Records.MaxUploadBytes())
		if !ok {
			return
		}
		lr, err = s.svc.Lab.UploadResultFile(r.Context(), session, patient, index, file)
	} else {
		var req uploadResultBody
		if !s.readJSON(w, r, &req) {
			return
		}
		lr, err = s.svc.Lab.UploadResult(r.Context(), session, patient, index, req.ResultHash)
	}
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lr)
}

// handleAudit returns the caller's own audit entries, newest first
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "limit must be a positive integer", false)
			return
		}
		if n > maxAuditPage {
			n = maxAuditPage
		}
		limit = n
	}

	entries, err := s.svc.Trail.List(r.Context(), sessionFrom(r).Address, limit)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "invalid JSON payload", false)
		return false
	}
	return true
}

func (s *Server) readRawJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	var doc json.RawMessage
	if !s.readJSON(w, r, &doc) {
		return nil, false
	}
	return doc, true
}

// readUpload parses a multipart body and returns its "file" part. Oversized
// bodies are cut off before they reach the coordinators.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (*types.RecordFile, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(maxBytes + multipartSlack); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, string(types.ErrorKindValidation), "file exceeds the upload limit", false)
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "invalid multipart payload", false)
		return nil, false
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "file is required", false)
		return nil, false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "failed to read file", false)
		return nil, false
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return &types.RecordFile{Name: header.Filename, ContentType: contentType, Data: data}, true
}

func (s *Server) pathIndex(w http.ResponseWriter, vars map[string]string) (int, bool) {
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, string(types.ErrorKindValidation), "index must be an integer", false)
		return 0, false
	}
	return index, true
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
