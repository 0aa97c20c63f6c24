package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
	"github.com/capitalize-ai/langgraph-chat/internal/events"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
	"github.com/capitalize-ai/langgraph-chat/internal/store"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

const tracerName = "github.com/capitalize-ai/langgraph-chat/internal/session"

const publishTimeout = 2 * time.Second

// Backend is the part of the backend API a session uses.
type Backend interface {
	PrepareMessage(ctx context.Context, req api.PrepareRequest) (int64, error)
	OpenStream(ctx context.Context, route api.Route, req api.StreamRequest) (*api.Stream, error)
	CompleteMessage(ctx context.Context, backendID int64, req api.CompleteRequest) error
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
}

// Config wires a Manager.
type Config struct {
	Backend   Backend
	Store     *store.Store
	Guard     *store.Guard
	Publisher events.Publisher
	Logger    *logger.Logger
}

// Request is one question to ask.
type Request struct {
	ConversationID string
	Text           string
	// Mode is picked from the conversation history when empty.
	Mode Mode
	// OnEvent, if set, is called after each stage event of a first
	// question has been applied. It runs on the session goroutine.
	OnEvent func(stage.Event)
}

// Manager runs sessions, at most one per conversation.
type Manager struct {
	backend   Backend
	store     *store.Store
	guard     *store.Guard
	publisher events.Publisher
	logger    *logger.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	active map[string]*Session
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		backend:   cfg.Backend,
		store:     cfg.Store,
		guard:     cfg.Guard,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.OrNop(),
		tracer:    otel.Tracer(tracerName),
		active:    make(map[string]*Session),
	}
	if m.publisher == nil {
		m.publisher = events.Nop{}
	}
	if m.guard == nil {
		m.guard = store.NewGuard(store.DefaultCooldown)
	}
	return m
}

// Start launches a session for req. A session already running on the same
// conversation is canceled with ErrSuperseded.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuestion
	}
	history, err := m.store.Messages(req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeFor(history)
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Mode:           mode,
		Question:       text,
		state:          model.SessionIdle,
		done:           make(chan struct{}),
		cancel:         cancel,
	}

	m.mu.Lock()
	if prev := m.active[req.ConversationID]; prev != nil {
		prev.cancel(ErrSuperseded)
	}
	m.active[req.ConversationID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	firstInConversation := len(history) == 0
	go m.run(sctx, s, req.OnEvent, firstInConversation)
	return s, nil
}

// Cancel aborts the session running on a conversation. It reports whether
// one was running.
func (m *Manager) Cancel(conversationID string) bool {
	m.mu.Lock()
	s := m.active[conversationID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel(ErrCanceled)
	return true
}

// Active returns the session running on a conversation, or nil.
func (m *Manager) Active(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[conversationID]
}

// Shutdown cancels every running session and waits for them to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, s := range m.active {
		s.cancel(ErrCanceled)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.ConversationID] == s {
		delete(m.active, s.ConversationID)
	}
}

func (m *Manager) run(ctx context.Context, s *Session, onEvent func(stage.Event), firstInConversation bool) {
	defer m.wg.Done()
	defer close(s.done)
	defer m.release(s)
	defer s.cancel(nil)

	ctx, span := m.tracer.Start(ctx, "session."+string(s.Mode),
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("conversation.id", s.ConversationID),
		),
	)
	defer span.End()

	base := m.logger.With(
		zap.String("session_id", s.ID),
		zap.String("mode", string(s.Mode)),
	)

	metrics.IncrementStreams()
	defer metrics.DecrementStreams()
	start := time.Now()

	r := &runner{m: m, s: s, base: base, onEvent: onEvent}
	r.log = base.WithExchange(s.ConversationID, "")
	state, err := r.exchange(ctx, firstInConversation)
	log := r.log

	if !s.finish(state, err) {
		state, err = s.State(), s.Err()
	}
	if err != nil && state == model.SessionErrored {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("session.state", string(state)))
	metrics.RecordStream(string(s.Mode), string(state), time.Since(start).Seconds())

	fields := []zap.Field{zap.String("state", string(state)), zap.Duration("duration", time.Since(start))}
	switch state {
	case model.SessionErrored:
		log.Warn("session failed", append(fields, zap.Error(err))...)
	case model.SessionAborted:
		log.Info("session aborted", append(fields, zap.Error(err))...)
	default:
		log.Info("session completed", fields...)
	}

	m.publish(ctx, s, state, err)
}

func (m *Manager) publish(ctx context.Context, s *Session, state model.SessionState, err error) {
	ev := model.SessionEvent{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		MessageID:      s.MessageID(),
		State:          state,
		CreatedAt:      time.Now().UTC(),
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if perr := m.publisher.Publish(pctx, ev); perr != nil {
		m.logger.Warn("failed to publish session event",
			zap.String("session_id", s.ID),
			zap.Error(perr),
		)
	}
}

// runner holds the per-exchange state of one session run.
type runner struct {
	m       *Manager
	s       *Session
	base    *logger.Logger
	log     *logger.Logger
	onEvent func(stage.Event)

	backendID int64
}

// exchange runs the session and returns its terminal state.
func (r *runner) exchange(ctx context.Context, firstInConversation bool) (model.SessionState, error) {
	s, m := r.s, r.m

	provisionalID, err := m.store.AddProvisional(s.ConversationID, s.Question)
	if err != nil {
		return model.SessionErrored, fmt.Errorf("add question: %w", err)
	}
	s.setMessageID(provisionalID)
	r.log = r.base.WithExchange(s.ConversationID, provisionalID)

	s.setState(model.SessionPreparing)
	backendID, err := m.backend.PrepareMessage(ctx, api.PrepareRequest{
		ConversationID: s.ConversationID,
		Question:       s.Question,
		QMode:          s.Mode.qMode(),
	})
	if err != nil {
		return r.failure(ctx, fmt.Errorf("prepare message: %w", err))
	}
	messageID, err := m.store.ReconcileID(provisionalID, backendID)
	if err != nil {
		return r.failure(ctx, err)
	}
	r.backendID = backendID
	s.setMessageID(messageID)
	r.log = r.base.WithExchange(s.ConversationID, messageID)
	if err := m.store.SetQMode(s.ConversationID, messageID, s.Mode.qMode()); err != nil {
		r.log.Debug("failed to record question mode", zap.Error(err))
	}

	if firstInConversation {
		r.updateTitle(ctx)
	}

	s.setState(model.SessionStreaming)
	stream, err := m.backend.OpenStream(ctx, s.Mode.route(), api.StreamRequest{
		Question:       s.Question,
		ConversationID: api.ID(s.ConversationID),
		MessageID:      backendID,
		QMode:          s.Mode.qMode(),
	})
	if err != nil {
		return r.failure(ctx, fmt.Errorf("open stream: %w", err))
	}
	defer stream.Body.Close()

	if s.Mode == ModeFollowUp {
		return r.followUp(ctx, stream)
	}
	return r.staged(ctx, stream)
}

// failure turns err into the terminal state. Cancellation aborts silently;
// anything else is written to the exchange's answer.
func (r *runner) failure(ctx context.Context, err error) (model.SessionState, error) {
	if ctx.Err() != nil {
		r.m.store.PublishTyping(r.s.ConversationID, "")
		return model.SessionAborted, context.Cause(ctx)
	}
	if werr := r.m.store.SetFinalAnswer(r.s.ConversationID, r.s.MessageID(), stage.ErrorAnswer(errorText(err))); werr != nil {
		r.log.Warn("failed to write error answer", zap.Error(werr))
	}
	return model.SessionErrored, err
}

func (r *runner) updateTitle(ctx context.Context) {
	title := model.TitleFromQuestion(r.s.Question)
	if err := r.m.backend.UpdateConversationTitle(ctx, r.s.ConversationID, title); err != nil {
		r.log.Warn("failed to update conversation title", zap.Error(err))
		return
	}
	if err := r.m.store.UpdateTitle(r.s.ConversationID, title); err != nil {
		r.log.Debug("conversation left the store before its title was set", zap.Error(err))
	}
}

// PersistExchange implements stage.Persister.
func (r *runner) PersistExchange(ctx context.Context, messageID string, snapshot model.StageState) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("message %s has no backend id", messageID)
	}
	req, err := api.CompletionFromSnapshot(snapshot)
	if err != nil {
		return err
	}
	return r.m.backend.CompleteMessage(ctx, id, req)
}

// errorText is the user-visible part of err.
func errorText(err error) string {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Message
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) && httpErr.Detail != "" {
		return httpErr.Detail
	}
	return err.Error()
}
