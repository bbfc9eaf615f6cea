// Package server is the per-run control HTTP service. It owns the four
// stores (control state, confirmations, questions, delegation tokens),
// serializes every mutation behind one mutex, and persists the touched
// store to disk before any response leaves the process.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/runplane/internal/bus"
	"github.com/basket/runplane/internal/config"
	"github.com/basket/runplane/internal/confirm"
	"github.com/basket/runplane/internal/control"
	"github.com/basket/runplane/internal/delegation"
	"github.com/basket/runplane/internal/events"
	"github.com/basket/runplane/internal/forward"
	rpotel "github.com/basket/runplane/internal/otel"
	"github.com/basket/runplane/internal/persist"
	"github.com/basket/runplane/internal/question"
	"github.com/basket/runplane/internal/runpaths"
	"github.com/basket/runplane/internal/session"

	"go.opentelemetry.io/otel/trace"
)

// Options bundles the server dependencies.
type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Bus     *bus.Bus
	Events  *events.Stream
	Tracer  trace.Tracer
	Metrics *rpotel.Metrics
	Now     func() time.Time
}

// Server is one run's control service.
type Server struct {
	cfg     config.Config
	paths   runpaths.Paths
	logger  *slog.Logger
	bus     *bus.Bus
	events  *events.Stream
	tracer  trace.Tracer
	metrics *rpotel.Metrics
	now     func() time.Time

	controlToken string
	sessions     *session.Store
	forwarder    *forward.Client

	// mu serializes store mutation and the persist that follows it, so a
	// response can only be observed after its state change is on disk.
	mu        sync.Mutex
	control   *control.Store
	confirms  *confirm.Store
	questions *question.Queue
	tokens    *delegation.Store

	httpServer *http.Server
	listener   net.Listener
	baseURL    string
}

// New loads persisted state from the run directory and builds a Server.
// Call Start to bind the listener and publish discovery files.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(rpotel.TracerName)
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		metrics, err = rpotel.NewMetrics(noopMeter())
		if err != nil {
			return nil, err
		}
	}

	paths := runpaths.New(cfg.RunDir)

	var controlSeed control.State
	if _, err := persist.ReadJSON(paths.Control(), &controlSeed); err != nil {
		return nil, fmt.Errorf("load control.json: %w", err)
	}
	var confirmSeed confirm.Snapshot
	confirmLoaded, err := persist.ReadJSON(paths.Confirmations(), &confirmSeed)
	if err != nil {
		return nil, fmt.Errorf("load confirmations.json: %w", err)
	}
	var questionSeed struct {
		Questions []question.Record `json:"questions"`
	}
	if _, err := persist.ReadJSON(paths.Questions(), &questionSeed); err != nil {
		return nil, fmt.Errorf("load questions.json: %w", err)
	}
	var tokenSeed struct {
		Tokens []delegation.Record `json:"tokens"`
	}
	if _, err := persist.ReadJSON(paths.DelegationTokens(), &tokenSeed); err != nil {
		return nil, fmt.Errorf("load delegation_tokens.json: %w", err)
	}

	confirmOpts := confirm.Options{
		RunID:      cfg.RunID,
		ExpiresIn:  cfg.ConfirmExpiry(),
		MaxPending: cfg.Confirm.MaxPending,
		Now:        now,
	}
	if confirmLoaded {
		confirmOpts.Seed = &confirmSeed
	}

	s := &Server{
		cfg:     cfg,
		paths:   paths,
		logger:  logger,
		bus:     opts.Bus,
		events:  opts.Events,
		tracer:  tracer,
		metrics: metrics,
		now:     now,

		sessions: session.NewStore(session.Options{TTL: cfg.SessionTTL(), Now: now}),

		control: control.NewStore(control.Options{
			RunID:          cfg.RunID,
			ControlSeq:     controlSeed.ControlSeq,
			LatestAction:   controlSeed.LatestAction,
			FeatureToggles: controlSeed.FeatureToggles,
		}),
		confirms:  confirm.NewStore(confirmOpts),
		questions: question.NewQueue(question.Options{Now: now, Seed: questionSeed.Questions}),
		tokens:    delegation.NewStore(delegation.Options{Now: now, Seed: tokenSeed.Tokens}),
	}

	// Config toggles fill in defaults only; a persisted snapshot wins.
	if len(cfg.FeatureToggles) > 0 {
		missing := make(map[string]any)
		for key, value := range cfg.FeatureToggles {
			if _, ok := controlSeed.FeatureToggles[key]; !ok {
				missing[key] = value
			}
		}
		if len(missing) > 0 {
			s.control.UpdateFeatureToggles(missing)
		}
	}

	s.forwarder = forward.NewClient(forward.ClientOptions{
		Timeout:      cfg.ForwardTimeout(),
		AllowedRoots: cfg.Forward.AllowedRunRoots,
		AllowedHosts: cfg.EndpointHostSet(),
		Logger:       logger,
	})
	return s, nil
}

// Start binds the listener, writes the discovery files, and begins serving.
func (s *Server) Start(ctx context.Context) error {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate control token: %w", err)
	}
	s.controlToken = hex.EncodeToString(raw)

	listener, err := net.Listen("tcp", s.cfg.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Server.BindAddr, err)
	}
	s.listener = listener
	host, _, err := net.SplitHostPort(s.cfg.Server.BindAddr)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	port := listener.Addr().(*net.TCPAddr).Port
	s.baseURL = fmt.Sprintf("http://%s:%d", host, port)

	if err := persist.WriteJSONAtomic(s.paths.ControlAuth(), map[string]any{
		"token":      s.controlToken,
		"created_at": s.now().UTC().Format(time.RFC3339Nano),
	}, 0o600); err != nil {
		return fmt.Errorf("write control_auth.json: %w", err)
	}
	if err := persist.WriteJSONAtomic(s.paths.ControlEndpoint(), map[string]any{
		"base_url":   s.baseURL,
		"token_path": s.paths.ControlAuth(),
	}, 0o600); err != nil {
		return fmt.Errorf("write control_endpoint.json: %w", err)
	}
	if err := persist.WriteJSONAtomic(s.paths.Control(), s.control.Snapshot(), 0o644); err != nil {
		return fmt.Errorf("write control.json: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server exited", "error", err)
		}
	}()
	s.logger.Info("control server listening",
		"base_url", s.baseURL, "run_id", s.cfg.RunID, "config", s.cfg.Fingerprint())
	return nil
}

// BaseURL returns the bound address once Start has succeeded.
func (s *Server) BaseURL() string {
	return s.baseURL
}

// ControlToken exposes the runner credential for in-process callers.
func (s *Server) ControlToken() string {
	return s.controlToken
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SweepExpired runs one expiry pass over confirmations and questions. The
// sweeper calls this on its schedule; handlers call the same logic lazily.
func (s *Server) SweepExpired(ctx context.Context) error {
	s.mu.Lock()
	expiredConfirms, confirmErr := s.expireConfirmationsLocked()
	expiredQuestions, questionErr := s.expireQuestionsLocked()
	s.mu.Unlock()

	s.emitConfirmationExpiries(expiredConfirms)
	s.emitQuestionExpiries(expiredQuestions)
	for _, record := range expiredQuestions {
		s.resolveChildQuestion(ctx, record)
	}
	return errors.Join(confirmErr, questionErr)
}

// expireConfirmationsLocked sweeps and persists. Caller holds mu.
func (s *Server) expireConfirmationsLocked() ([]confirm.Expiry, error) {
	expired := s.confirms.Expire()
	if len(expired) == 0 {
		return nil, nil
	}
	if err := s.persistConfirmationsLocked(); err != nil {
		return nil, err
	}
	return expired, nil
}

// expireQuestionsLocked sweeps and persists. Caller holds mu.
func (s *Server) expireQuestionsLocked() ([]question.Record, error) {
	expired := s.questions.Expire()
	if len(expired) == 0 {
		return nil, nil
	}
	if err := s.persistQuestionsLocked(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Server) emitConfirmationExpiries(expired []confirm.Expiry) {
	for _, entry := range expired {
		s.metrics.ConfirmationsResolved.Add(context.Background(), 1)
		s.emitEvent(bus.TopicConfirmationResolved, map[string]any{
			"request_id": entry.Request.RequestID,
			"outcome":    "expired",
		})
	}
}

func (s *Server) emitQuestionExpiries(expired []question.Record) {
	for _, record := range expired {
		s.metrics.QuestionsOpen.Add(context.Background(), -1)
		s.emitEvent(bus.TopicQuestionClosed, map[string]any{
			"question_id":   record.QuestionID,
			"parent_run_id": record.ParentRunID,
			"outcome":       string(record.Status),
			"closed_at":     record.ClosedAt,
		})
	}
}

func (s *Server) persistControlLocked() error {
	return persist.WriteJSONAtomic(s.paths.Control(), s.control.Snapshot(), 0o644)
}

func (s *Server) persistConfirmationsLocked() error {
	return persist.WriteJSONAtomic(s.paths.Confirmations(), s.confirms.Snapshot(), 0o644)
}

func (s *Server) persistQuestionsLocked() error {
	return persist.WriteJSONAtomic(s.paths.Questions(), map[string]any{
		"questions": s.questions.List(),
	}, 0o644)
}

func (s *Server) persistTokensLocked() error {
	return persist.WriteJSONAtomic(s.paths.DelegationTokens(), map[string]any{
		"tokens": s.tokens.List(),
	}, 0o644)
}

// emitEvent appends to the event log and mirrors onto the bus. Event
// failures are logged, never propagated: the state change already
// happened and persisted.
func (s *Server) emitEvent(topic string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(topic, payload); err != nil {
		s.logger.Error("event append failed", "topic", topic, "error", err)
	}
}

func noopMeter() metric.Meter {
	return noopmetric.NewMeterProvider().Meter(rpotel.MeterName)
}
