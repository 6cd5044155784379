package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/governance"
	"github.com/elkinlatorre/FINA/internal/reason"
	"github.com/elkinlatorre/FINA/internal/requestctx"
)

const maxRequestBody = 64 * 1024

// sanitizer strips any markup from inbound chat text before it reaches
// the model or the checkpoint store.
var sanitizer = bluemonday.StrictPolicy()

// sanitizeText removes markup and then unescapes entities, so plain
// prose ("AT&T", "<100 units>") survives untouched.
func sanitizeText(s string) string {
	return html.UnescapeString(sanitizer.Sanitize(s))
}

const chatRequestSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {"type": "string", "minLength": 1, "maxLength": 8000},
		"thread_id": {"type": "string"}
	},
	"additionalProperties": false
}`

const approveRequestSchema = `{
	"type": "object",
	"required": ["thread_id", "supervisor_id", "approve"],
	"properties": {
		"thread_id": {"type": "string", "minLength": 1},
		"supervisor_id": {"type": "string", "minLength": 1},
		"approve": {"type": "boolean"},
		"edited_response": {"type": "string"}
	},
	"additionalProperties": false
}`

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// validateBody reads the request body and checks it against the schema.
// Returns the raw bytes for decoding, or writes a validation error.
func validateBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading body: "+err.Error())
		return nil, false
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON: "+err.Error())
		return nil, false
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		writeError(w, http.StatusBadRequest, "validation_error", strings.Join(details, "; "))
		return nil, false
	}
	return body, true
}

// writeServiceError maps domain errors onto distinct client-error
// categories; anything unrecognized is a generic server failure.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, "thread_not_found", err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, "scope_violation", err.Error())
	case errors.Is(err, governance.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized_supervisor", err.Error())
	case errors.Is(err, governance.ErrConflictOfInterest):
		writeError(w, http.StatusForbidden, "conflict_of_interest", err.Error())
	case errors.Is(err, governance.ErrScopeViolation):
		writeError(w, http.StatusForbidden, "scope_violation", err.Error())
	case errors.Is(err, governance.ErrNoPendingReview):
		writeError(w, http.StatusBadRequest, "no_pending_review", err.Error())
	case errors.Is(err, reason.ErrProviderConnection):
		// Infrastructure degradation, not a caller mistake: keep it generic.
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable",
			"The assistant is temporarily unavailable. Please try again.")
	default:
		log.Error().Err(err).Msg("request_failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := validateBody(w, r, chatRequestSchema)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID := requestctx.UserID(r.Context())
	message := sanitizeText(req.Message)

	var result interface{}
	var err error
	if req.ThreadID != "" {
		result, err = s.svc.ProcessChatOnThread(r.Context(), req.ThreadID, message, userID)
	} else {
		result, err = s.svc.ProcessChat(r.Context(), message, userID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	body, ok := validateBody(w, r, chatRequestSchema)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	userID := requestctx.UserID(r.Context())
	message := sanitizeText(req.Message)

	events, err := s.svc.ProcessChatStream(r.Context(), message, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

type approveRequest struct {
	ThreadID       string `json:"thread_id"`
	SupervisorID   string `json:"supervisor_id"`
	Approve        bool   `json:"approve"`
	EditedResponse string `json:"edited_response"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, ok := validateBody(w, r, approveRequestSchema)
	if !ok {
		return
	}
	var req approveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.svc.ProcessApproval(r.Context(), &governance.Request{
		ThreadID:       req.ThreadID,
		UserID:         requestctx.UserID(r.Context()),
		SupervisorID:   req.SupervisorID,
		Approve:        req.Approve,
		EditedResponse: req.EditedResponse,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThreadStatus(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	status, err := s.svc.GetThreadStatus(r.Context(), threadID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Thread history is scoped to its owner.
	if userID := requestctx.UserID(r.Context()); status.UserID != "" && status.UserID != userID {
		writeError(w, http.StatusForbidden, "scope_violation", "thread belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.svc.PendingReviews(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": reviews,
		"count":   len(reviews),
	})
}
