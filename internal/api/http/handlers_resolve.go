package apihttp

import (
	"net/http"
)

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/resolve" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver is not configured")
		return
	}

	var body requestBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.resolver.Resolve(r.Context(), body.toRequest(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResolveStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/resolve/stream" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	req, err := parseRequestQuery(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	ch, err := s.resolver.Stream(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "bootstrap", map[string]any{
		"phase":  "bootstrap",
		"final":  false,
		"title":  req.Title,
		"status": "started",
	}); err != nil {
		return
	}

	for snapshot := range ch {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		if err := writeSSEEvent(w, flusher, "update", snapshot); err != nil {
			return
		}
	}

	_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
}
