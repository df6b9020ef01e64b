package apihttp

import (
	"net/http"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/jobs"
)

type createJobBody struct {
	requestBody
	Username string `json:"username,omitempty"`
}

type fallbackBody struct {
	Request          *requestBody `json:"request,omitempty"`
	JobID            string       `json:"jobId,omitempty"`
	FailedIdentity   string       `json:"failedIdentity,omitempty"`
	FailedResolution int          `json:"failedResolution,omitempty"`
	Reporter         string       `json:"reporter,omitempty"`
	Username         string       `json:"username,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jobs" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "job store is not configured")
		return
	}

	var body createJobBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req := body.toRequest(r)
	id, err := s.jobs.CreateJob(r.Context(), req, jobs.StartOptions{
		IPAddress: s.proxies.clientIP(r),
		UserID:    req.UserID,
		Username:  strings.TrimSpace(body.Username),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "job store is not configured")
		return
	}
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	switch {
	case tail == "":
		http.NotFound(w, r)
	case tail == "history":
		s.handleJobHistory(w, r)
	case tail == "fallback":
		s.handleJobFallback(w, r)
	case strings.HasSuffix(tail, "/ws"):
		id := strings.TrimSuffix(tail, "/ws")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		s.handleJobWS(w, r, id)
	case strings.Contains(tail, "/"):
		http.NotFound(w, r)
	default:
		s.handleJob(w, r, tail)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.jobs.GetJob(id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.jobs.DeleteJob(id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.jobs.History(),
	})
}

func (s *Server) handleJobFallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body fallbackBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	fr := jobs.FallbackRequest{
		JobID:            strings.TrimSpace(body.JobID),
		FailedIdentity:   strings.TrimSpace(body.FailedIdentity),
		FailedResolution: body.FailedResolution,
		Reporter:         strings.TrimSpace(body.Reporter),
	}
	if body.Request != nil {
		fr.Request = body.Request.toRequest(r)
	}
	fr.Start = jobs.StartOptions{
		IPAddress: s.proxies.clientIP(r),
		UserID:    fr.Request.UserID,
		Username:  strings.TrimSpace(body.Username),
	}
	result, err := s.jobs.Fallback(r.Context(), fr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if result.JobID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleBadLinks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/badlinks" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "job store is not configured")
		return
	}
	var report jobs.BadLinkReport
	if err := decodeJSONBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flag, err := s.jobs.ReportBadLink(r.Context(), report)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}
