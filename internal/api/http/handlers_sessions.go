package apihttp

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

type sessionBody struct {
	Credential string `json:"credential,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/sessions/")
	switch action {
	case "start", "heartbeat", "end":
	default:
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session guard is not configured")
		return
	}

	var body sessionBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	credential := strings.TrimSpace(body.Credential)
	if credential == "" {
		credential = bearerToken(r)
	}
	if credential == "" {
		s.writeDomainError(w, fmt.Errorf("%w: credential is required", domain.ErrInvalidRequest))
		return
	}
	ip := s.proxies.clientIP(r)

	switch action {
	case "start":
		session, err := s.sessions.CheckAndStart(r.Context(), credential, ip, domain.SessionUser{
			UserID:   strings.TrimSpace(body.UserID),
			Username: strings.TrimSpace(body.Username),
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "heartbeat":
		if err := s.sessions.Heartbeat(r.Context(), credential, ip); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "end":
		if err := s.sessions.End(r.Context(), credential, ip); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
