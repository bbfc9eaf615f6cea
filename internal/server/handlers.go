package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/runplane/internal/audit"
	"github.com/basket/runplane/internal/bus"
	"github.com/basket/runplane/internal/confirm"
	"github.com/basket/runplane/internal/control"
	"github.com/basket/runplane/internal/delegation"
	"github.com/basket/runplane/internal/events"
	"github.com/basket/runplane/internal/forward"
	rpotel "github.com/basket/runplane/internal/otel"
	"github.com/basket/runplane/internal/question"
	"github.com/basket/runplane/internal/shared"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/auth/session", s.handleAuthSession)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ui/data.json", s.handleDataset)
	mux.HandleFunc("/control/action", s.handleControlAction)
	mux.HandleFunc("/confirmations", s.handleConfirmationsList)
	mux.HandleFunc("/confirmations/create", s.handleConfirmationCreate)
	mux.HandleFunc("/confirmations/approve", s.handleConfirmationApprove)
	mux.HandleFunc("/confirmations/issue", s.handleConfirmationIssue)
	mux.HandleFunc("/confirmations/consume", s.handleConfirmationConsume)
	mux.HandleFunc("/confirmations/validate", s.handleConfirmationValidate)
	mux.HandleFunc("/security/violation", s.handleSecurityViolation)
	mux.HandleFunc("/delegation/register", s.handleDelegationRegister)
	mux.HandleFunc("/questions", s.handleQuestions)
	mux.HandleFunc("/questions/enqueue", s.handleQuestionEnqueue)
	mux.HandleFunc("/questions/answer", s.handleQuestionAnswer)
	mux.HandleFunc("/questions/dismiss", s.handleQuestionDismiss)
	mux.HandleFunc("/questions/", s.handleQuestionGet)
	mux.Handle("/ui/", s.uiHandler())
	return s.wrap(mux)
}

// wrap applies the top-level request plumbing: panic recovery mapped to a
// redacted 500, body size cap, tracing, and request duration metrics.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ctx, span := rpotel.StartServerSpan(r.Context(), s.tracer,
			r.Method+" "+r.URL.Path,
			rpotel.AttrRunID.String(s.cfg.RunID),
			rpotel.AttrEndpoint.String(r.URL.Path),
		)
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		defer span.End()
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.ErrorContext(ctx, "request panic",
					"path", r.URL.Path,
					"panic", shared.Redact(fmt.Sprint(recovered)))
				writeError(w, http.StatusInternalServerError, "internal_error")
			}
			s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}()

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// decodeBody parses a JSON request body into dst, rejecting unknown fields
// and oversized payloads. Writes the failure response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return false
		}
		if errors.Is(err, io.EOF) {
			// Empty bodies decode to zero values.
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	return true
}

// confirmErrorStatus maps confirmation-store errors onto the wire. All
// are state conflicts except the pending ceiling, which is backpressure.
func confirmErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, confirm.ErrPendingLimit):
		return http.StatusTooManyRequests, confirm.ErrPendingLimit.Error()
	case errors.Is(err, confirm.ErrNotFound):
		return http.StatusConflict, confirm.ErrNotFound.Error()
	case errors.Is(err, confirm.ErrNotApproved):
		return http.StatusConflict, confirm.ErrInvalid.Error()
	case errors.Is(err, confirm.ErrExpired):
		return http.StatusConflict, confirm.ErrExpired.Error()
	case errors.Is(err, confirm.ErrNonceConsumed):
		return http.StatusConflict, confirm.ErrNonceConsumed.Error()
	case errors.Is(err, confirm.ErrInvalid):
		return http.StatusConflict, confirm.ErrInvalid.Error()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"run_id":    s.cfg.RunID,
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if !s.sessionBootstrapAllowed(r) {
		s.rejectAuth(w, r, http.StatusForbidden, "session_not_allowed")
		return
	}
	s.mu.Lock()
	token := s.sessions.Issue()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token.Token,
		"expires_at": token.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

type controlActionRequest struct {
	Action       string         `json:"action"`
	Reason       string         `json:"reason"`
	RequestedBy  string         `json:"requested_by"`
	RequestID    string         `json:"request_id"`
	ConfirmNonce string         `json:"confirm_nonce"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params"`
}

func (s *Server) handleControlAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone {
		return
	}
	var body controlActionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !control.ValidAction(body.Action) {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	action := control.Action(body.Action)

	if kind == credSession && action != control.ActionPause && action != control.ActionResume {
		s.rejectAuth(w, r, http.StatusForbidden, "ui_action_disallowed")
		return
	}

	requestedBy := body.RequestedBy
	if requestedBy == "" {
		if kind == credRunner {
			requestedBy = "runner"
		} else {
			requestedBy = "ui"
		}
	}

	s.mu.Lock()
	// Destructive actions only proceed through a consumed confirmation.
	if action == control.ActionCancel {
		if body.ConfirmNonce == "" {
			s.mu.Unlock()
			writeError(w, http.StatusForbidden, "confirmation_required")
			return
		}
		consumed, _, err := s.confirms.ValidateNonce(body.ConfirmNonce, body.Tool, body.Params)
		if err != nil {
			s.mu.Unlock()
			status, code := confirmErrorStatus(err)
			writeError(w, status, code)
			return
		}
		if err := s.persistConfirmationsLocked(); err != nil {
			s.mu.Unlock()
			s.persistFailure(r.Context(), w, "confirmations", err)
			return
		}
		// The nonce must come from a confirmation approved for cancel
		// specifically; one minted for another action does not unlock this
		// one. The nonce is spent either way.
		if consumed.Action != confirm.ActionCancel {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "confirmation_invalid")
			return
		}
	}

	var requestID *string
	if body.RequestID != "" {
		requestID = &body.RequestID
	}
	state := s.control.UpdateAction(control.UpdateInput{
		Action:      action,
		RequestedBy: requestedBy,
		RequestID:   requestID,
		Reason:      body.Reason,
	})
	if err := s.persistControlLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "control", err)
		return
	}
	s.mu.Unlock()

	s.metrics.ControlActions.Add(r.Context(), 1)
	s.emitEvent(bus.TopicControlAction, map[string]any{
		"action":       string(action),
		"control_seq":  state.ControlSeq,
		"requested_by": requestedBy,
		"reason":       body.Reason,
	})
	writeJSON(w, http.StatusOK, state)
}

type confirmationCreateRequest struct {
	Action string         `json:"action"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleConfirmationCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone {
		return
	}
	var body confirmationCreateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	tool := body.Tool
	if tool == "" {
		tool = "unknown"
	}
	params := body.Params
	if params == nil {
		params = map[string]any{}
	}

	s.mu.Lock()
	expiredConfirms, _ := s.expireConfirmationsLocked()

	request, created, err := s.confirms.Create(confirm.ParseAction(body.Action), tool, params)
	if err != nil {
		s.mu.Unlock()
		s.emitConfirmationExpiries(expiredConfirms)
		status, code := confirmErrorStatus(err)
		writeError(w, status, code)
		return
	}
	if err := s.persistConfirmationsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "confirmations", err)
		return
	}

	// Auto-pause: the run must not execute past an unresolved gate.
	autoPaused := false
	snapshot := s.control.Snapshot()
	if snapshot.LatestAction == nil || snapshot.LatestAction.Action != control.ActionPause {
		s.control.UpdateAction(control.UpdateInput{
			Action:      control.ActionPause,
			RequestedBy: "runner",
			RequestID:   &request.RequestID,
			Reason:      "confirmation_required",
		})
		if err := s.persistControlLocked(); err != nil {
			s.mu.Unlock()
			s.persistFailure(r.Context(), w, "control", err)
			return
		}
		autoPaused = true
	}
	s.mu.Unlock()

	s.emitConfirmationExpiries(expiredConfirms)
	if created {
		s.emitEvent(bus.TopicConfirmationRequired, map[string]any{
			"request_id":           request.RequestID,
			"action":               string(request.Action),
			"action_params_digest": request.ActionParamsDigest,
			"digest_alg":           request.DigestAlg,
			"expires_at":           request.ExpiresAt,
			"auto_paused":          autoPaused,
		})
	}
	response := map[string]any{
		"request_id": request.RequestID,
		"confirm_scope": map[string]any{
			"run_id":               s.cfg.RunID,
			"action":               string(request.Action),
			"action_params_digest": request.ActionParamsDigest,
		},
		"action_params_digest": request.ActionParamsDigest,
		"digest_alg":           request.DigestAlg,
		"requested_at":         request.RequestedAt,
		"expires_at":           request.ExpiresAt,
	}
	if requestedAt, err1 := time.Parse(time.RFC3339Nano, request.RequestedAt); err1 == nil {
		if expiresAt, err2 := time.Parse(time.RFC3339Nano, request.ExpiresAt); err2 == nil {
			response["confirm_expires_in_ms"] = expiresAt.Sub(requestedAt).Milliseconds()
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleConfirmationsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	s.mu.Lock()
	expired, _ := s.expireConfirmationsLocked()
	pending := s.confirms.ListPending()
	s.mu.Unlock()
	s.emitConfirmationExpiries(expired)
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type confirmationIDRequest struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
}

func (s *Server) handleConfirmationApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone {
		return
	}
	var body confirmationIDRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_request_id")
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = "ui"
	}

	s.mu.Lock()
	expired, _ := s.expireConfirmationsLocked()
	if err := s.confirms.Approve(body.RequestID, actor); err != nil {
		s.mu.Unlock()
		s.emitConfirmationExpiries(expired)
		status, code := confirmErrorStatus(err)
		writeError(w, status, code)
		return
	}

	if err := s.persistConfirmationsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "confirmations", err)
		return
	}
	s.mu.Unlock()

	s.emitConfirmationExpiries(expired)
	s.emitEvent(bus.TopicConfirmationResolved, map[string]any{
		"request_id": body.RequestID,
		"outcome":    "approved",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleConfirmationIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body confirmationIDRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_request_id")
		return
	}

	s.mu.Lock()
	expired, _ := s.expireConfirmationsLocked()
	issued, err := s.confirms.Issue(body.RequestID)
	if err != nil {
		s.mu.Unlock()
		s.emitConfirmationExpiries(expired)
		status, code := confirmErrorStatus(err)
		writeError(w, status, code)
		return
	}
	if err := s.persistConfirmationsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "confirmations", err)
		return
	}
	s.mu.Unlock()

	s.emitConfirmationExpiries(expired)
	writeJSON(w, http.StatusOK, issued)
}

func (s *Server) handleConfirmationConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body confirmationIDRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_request_id")
		return
	}

	s.mu.Lock()
	expired, _ := s.expireConfirmationsLocked()
	result, err := s.confirms.Consume(body.RequestID)
	if err != nil {
		s.mu.Unlock()
		s.emitConfirmationExpiries(expired)
		status, code := confirmErrorStatus(err)
		writeError(w, status, code)
		return
	}
	if err := s.persistConfirmationsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "confirmations", err)
		return
	}
	s.mu.Unlock()

	s.emitConfirmationExpiries(expired)
	s.metrics.ConfirmationsResolved.Add(r.Context(), 1)
	s.emitEvent(bus.TopicConfirmationResolved, map[string]any{
		"request_id": result.RequestID,
		"outcome":    "consumed",
	})
	writeJSON(w, http.StatusOK, result)
}

type confirmationValidateRequest struct {
	ConfirmNonce string         `json:"confirm_nonce"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params"`
}

func (s *Server) handleConfirmationValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body confirmationValidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ConfirmNonce == "" {
		writeError(w, http.StatusBadRequest, "missing_confirm_nonce")
		return
	}

	s.mu.Lock()
	expired, _ := s.expireConfirmationsLocked()
	consumed, nonceID, err := s.confirms.ValidateNonce(body.ConfirmNonce, body.Tool, body.Params)
	if err != nil {
		s.mu.Unlock()
		s.emitConfirmationExpiries(expired)
		status, code := confirmErrorStatus(err)
		writeError(w, status, code)
		return
	}
	if err := s.persistConfirmationsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "confirmations", err)
		return
	}
	s.mu.Unlock()

	s.emitConfirmationExpiries(expired)
	s.metrics.ConfirmationsResolved.Add(r.Context(), 1)
	s.emitEvent(bus.TopicConfirmationResolved, map[string]any{
		"request_id": consumed.RequestID,
		"outcome":    "consumed",
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": consumed.RequestID,
		"nonce_id":   nonceID,
		"action":     string(consumed.Action),
	})
}

type securityViolationRequest struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Detail string `json:"detail"`
	Actor  string `json:"actor"`
}

func (s *Server) handleSecurityViolation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body securityViolationRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Kind == "" {
		writeError(w, http.StatusBadRequest, "missing_kind")
		return
	}
	source := body.Source
	if source == "" {
		source = "runner"
	}

	audit.Record(body.Kind, source, body.Detail, body.Actor)
	s.emitEvent(bus.TopicSecurityViolation, map[string]any{
		"kind":   body.Kind,
		"source": source,
		"detail": shared.Redact(body.Detail),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type delegationRegisterRequest struct {
	Token       string `json:"token"`
	ParentRunID string `json:"parent_run_id"`
	ChildRunID  string `json:"child_run_id"`
}

func (s *Server) handleDelegationRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body delegationRegisterRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ParentRunID == "" || body.ChildRunID == "" {
		writeError(w, http.StatusBadRequest, "missing_delegation_fields")
		return
	}

	// An empty token asks the service to mint one. The secret is returned
	// exactly once; only its hash is retained.
	s.mu.Lock()
	var record delegation.Record
	minted := ""
	if body.Token == "" {
		minted, record = s.tokens.Issue(body.ParentRunID, body.ChildRunID)
	} else {
		record = s.tokens.Register(body.Token, body.ParentRunID, body.ChildRunID)
	}
	if err := s.persistTokensLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "delegation_tokens", err)
		return
	}
	s.mu.Unlock()

	if minted != "" {
		writeJSON(w, http.StatusOK, struct {
			delegation.Record
			Token string `json:"token"`
		}{record, minted})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	s.mu.Lock()
	expired, _ := s.expireQuestionsLocked()
	records := s.questions.List()
	pendingResolution := s.questions.PendingResolution()
	s.mu.Unlock()

	s.emitQuestionExpiries(expired)
	justExpired := make(map[string]struct{}, len(expired))
	for _, record := range expired {
		justExpired[record.QuestionID] = struct{}{}
		s.resolveChildQuestion(r.Context(), record)
	}
	// Crash-tolerant resolution: closed questions whose child was never
	// notified get re-attempted on listing. Records expired above already
	// got their attempt this pass.
	for _, record := range pendingResolution {
		if _, ok := justExpired[record.QuestionID]; ok {
			continue
		}
		s.resolveChildQuestion(r.Context(), record)
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": records})
}

type questionEnqueueRequest struct {
	ParentRunID      string `json:"parent_run_id"`
	FromRunID        string `json:"from_run_id"`
	FromManifestPath string `json:"from_manifest_path"`
	Prompt           string `json:"prompt"`
	Urgency          string `json:"urgency"`
	ExpiresInMs      int64  `json:"expires_in_ms"`
	AutoPause        *bool  `json:"auto_pause"`
	ExpiryFallback   string `json:"expiry_fallback"`
}

func (s *Server) handleQuestionEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	kind := s.authenticate(w, r)
	if kind == credNone || !s.requireRunner(w, r, kind) {
		return
	}
	var body questionEnqueueRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "missing_prompt")
		return
	}
	if body.ExpiryFallback != "" && !question.ValidFallback(body.ExpiryFallback) {
		writeError(w, http.StatusBadRequest, "invalid_expiry_fallback")
		return
	}

	// A child enqueueing against this parent must present its delegation
	// token; the parent's own runner (same control token) is exempt.
	delegationToken := r.Header.Get(forward.DelegationTokenHeader)
	if delegationToken != "" {
		// The run-id header must agree with the body; a token replayed
		// under another child's identity is invalid.
		if hdr := r.Header.Get(forward.DelegationRunHeader); hdr != "" && hdr != body.FromRunID {
			s.rejectAuth(w, r, http.StatusForbidden, "delegation_token_invalid")
			return
		}
		s.mu.Lock()
		_, ok := s.tokens.Validate(delegationToken, body.ParentRunID, body.FromRunID)
		s.mu.Unlock()
		if !ok {
			s.rejectAuth(w, r, http.StatusForbidden, "delegation_token_invalid")
			return
		}
	}

	urgency := question.Urgency(body.Urgency)
	if !question.ValidUrgency(body.Urgency) {
		urgency = question.UrgencyMed
	}
	autoPause := true
	if body.AutoPause != nil {
		autoPause = *body.AutoPause
	}
	expiresIn := s.cfg.QuestionDefaultExpiry()
	if body.ExpiresInMs > 0 {
		expiresIn = time.Duration(body.ExpiresInMs) * time.Millisecond
	}

	s.mu.Lock()
	record := s.questions.Enqueue(question.EnqueueInput{
		ParentRunID:      body.ParentRunID,
		FromRunID:        body.FromRunID,
		FromManifestPath: body.FromManifestPath,
		Prompt:           body.Prompt,
		Urgency:          urgency,
		ExpiresIn:        expiresIn,
		AutoPause:        autoPause,
		ExpiryFallback:   question.ExpiryFallback(body.ExpiryFallback),
	})
	if err := s.persistQuestionsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "questions", err)
		return
	}

	// A child that asked through its manifest pauses itself; only local
	// questions from this run's own runner park this run.
	autoPaused := false
	if autoPause && body.FromManifestPath == "" {
		snapshot := s.control.Snapshot()
		if snapshot.LatestAction == nil || snapshot.LatestAction.Action != control.ActionPause {
			s.control.UpdateAction(control.UpdateInput{
				Action:      control.ActionPause,
				RequestedBy: "runner",
				Reason:      "awaiting_question_answer",
			})
			if err := s.persistControlLocked(); err != nil {
				s.mu.Unlock()
				s.persistFailure(r.Context(), w, "control", err)
				return
			}
			autoPaused = true
		}
	}
	s.mu.Unlock()

	s.metrics.QuestionsOpen.Add(r.Context(), 1)
	s.emitEvent(bus.TopicQuestionQueued, map[string]any{
		"question_id":   record.QuestionID,
		"parent_run_id": record.ParentRunID,
		"from_run_id":   record.FromRunID,
		"prompt":        record.Prompt,
		"urgency":       string(record.Urgency),
		"queued_at":     record.QueuedAt,
		"expires_at":    record.ExpiresAt,
		"auto_paused":   autoPaused,
	})
	writeJSON(w, http.StatusOK, record)
}

type questionAnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by"`
}

func (s *Server) handleQuestionAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	var body questionAnswerRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.QuestionID == "" || body.Answer == "" {
		writeError(w, http.StatusBadRequest, "missing_question_or_answer")
		return
	}
	answeredBy := body.AnsweredBy
	if answeredBy == "" {
		answeredBy = "user"
	}

	s.mu.Lock()
	record, err := s.questions.Answer(body.QuestionID, body.Answer, answeredBy)
	if err != nil {
		s.mu.Unlock()
		s.questionError(w, err)
		return
	}
	if err := s.persistQuestionsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "questions", err)
		return
	}
	s.mu.Unlock()

	s.metrics.QuestionsOpen.Add(r.Context(), -1)
	s.emitEvent(bus.TopicQuestionAnswered, map[string]any{
		"question_id":   record.QuestionID,
		"parent_run_id": record.ParentRunID,
		"answer":        record.Answer,
		"answered_by":   record.AnsweredBy,
		"answered_at":   record.AnsweredAt,
	})
	s.emitEvent(bus.TopicQuestionClosed, map[string]any{
		"question_id":   record.QuestionID,
		"parent_run_id": record.ParentRunID,
		"outcome":       string(record.Status),
		"closed_at":     record.ClosedAt,
	})
	s.resolveChildQuestion(r.Context(), record)
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

type questionDismissRequest struct {
	QuestionID  string `json:"question_id"`
	DismissedBy string `json:"dismissed_by"`
}

func (s *Server) handleQuestionDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	var body questionDismissRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "missing_question_id")
		return
	}
	dismissedBy := body.DismissedBy
	if dismissedBy == "" {
		dismissedBy = "user"
	}

	s.mu.Lock()
	record, err := s.questions.Dismiss(body.QuestionID, dismissedBy)
	if err != nil {
		s.mu.Unlock()
		s.questionError(w, err)
		return
	}
	if err := s.persistQuestionsLocked(); err != nil {
		s.mu.Unlock()
		s.persistFailure(r.Context(), w, "questions", err)
		return
	}
	s.mu.Unlock()

	s.metrics.QuestionsOpen.Add(r.Context(), -1)
	s.emitEvent(bus.TopicQuestionClosed, map[string]any{
		"question_id":   record.QuestionID,
		"parent_run_id": record.ParentRunID,
		"outcome":       string(record.Status),
		"closed_at":     record.ClosedAt,
	})
	s.resolveChildQuestion(r.Context(), record)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleQuestionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	questionID := strings.TrimPrefix(r.URL.Path, "/questions/")
	if questionID == "" || strings.Contains(questionID, "/") {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	s.mu.Lock()
	expired, _ := s.expireQuestionsLocked()
	record, ok := s.questions.Get(questionID)
	s.mu.Unlock()

	s.emitQuestionExpiries(expired)
	for _, rec := range expired {
		s.resolveChildQuestion(r.Context(), rec)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) questionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, question.ErrNotFound):
		writeError(w, http.StatusNotFound, question.ErrNotFound.Error())
	case errors.Is(err, question.ErrClosed):
		writeError(w, http.StatusConflict, question.ErrClosed.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// persistFailure maps a failed write to a redacted 500. The mutation may
// have applied in memory; the caller must not report success.
func (s *Server) persistFailure(ctx context.Context, w http.ResponseWriter, store string, err error) {
	s.logger.ErrorContext(ctx, "persist failed", "store", store, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

// handleDataset serves the read-only snapshot a status UI renders from.
func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}

	s.mu.Lock()
	expiredConfirms, _ := s.expireConfirmationsLocked()
	expiredQuestions, _ := s.expireQuestionsLocked()
	snapshot := s.control.Snapshot()
	pending := s.confirms.ListPending()
	questions := s.questions.List()
	s.mu.Unlock()

	s.emitConfirmationExpiries(expiredConfirms)
	s.emitQuestionExpiries(expiredQuestions)
	for _, record := range expiredQuestions {
		s.resolveChildQuestion(r.Context(), record)
	}

	var recent []events.Event
	if s.events != nil {
		if tail, err := s.events.Recent(50); err == nil {
			recent = tail
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       s.cfg.RunID,
		"control":      snapshot,
		"pending":      pending,
		"questions":    questions,
		"events":       recent,
		"generated_at": s.now().UTC().Format(time.RFC3339Nano),
	})
}
