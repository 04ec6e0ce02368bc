package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/application/tools"
	"github.com/longregen/causal/internal/domain"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const eventBuffer = 64

var tracer = tracing.Tracer("internal/application/chat")

type TurnOptions struct {
	// Search enables the configured web search, either as pre-fetched
	// context or as a tool depending on the search mode.
	Search      bool `json:"search" msgpack:"search"`
	IncludeTime bool `json:"includeTime" msgpack:"includeTime"`
	Stream      bool `json:"stream" msgpack:"stream"`
}

// TurnRequest starts a turn. A Message with an ID retries that assistant
// message; otherwise Message is the new user input.
type TurnRequest struct {
	SessionID string         `json:"sessionId" msgpack:"sessionId"`
	Message   models.Message `json:"message" msgpack:"message"`
	Options   TurnOptions    `json:"options" msgpack:"options"`
}

func (r TurnRequest) IsRetry() bool {
	return r.Message.ID != ""
}

// SearchFactory builds web search clients from the stored search settings.
type SearchFactory interface {
	NewSearcher(cfg *models.SearchConfig) ports.WebSearcher
	NewSearchTool(cfg *models.SearchConfig) ports.ToolBackend
}

type Deps struct {
	Store     ports.Store
	Providers ports.ProviderFactory
	Tools     tools.BackendFactory
	Search    SearchFactory
	IDs       ports.IDGenerator
}

type Option func(*Supervisor)

// WithToolConcurrency bounds tool fan-out per round. Zero means unbounded.
func WithToolConcurrency(n int) Option {
	return func(s *Supervisor) { s.toolLimit = n }
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.flushInterval = d }
}

// WithMaxRounds stops a turn after n rounds. Zero means no limit.
func WithMaxRounds(n int) Option {
	return func(s *Supervisor) { s.maxRounds = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor owns the round loop of every turn and the registry of running
// turns.
type Supervisor struct {
	store     ports.Store
	providers ports.ProviderFactory
	tools     tools.BackendFactory
	search    SearchFactory
	ids       ports.IDGenerator
	tasks     *TaskRegistry

	toolLimit     int
	flushInterval time.Duration
	maxRounds     int
	now           func() time.Time

	wg sync.WaitGroup
}

func NewSupervisor(deps Deps, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:         deps.Store,
		providers:     deps.Providers,
		tools:         deps.Tools,
		search:        deps.Search,
		ids:           deps.IDs,
		tasks:         NewTaskRegistry(),
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tasks exposes the running-turn registry.
func (s *Supervisor) Tasks() *TaskRegistry {
	return s.tasks
}

// Cancel asks the turn streaming into messageID to stop after its current
// round. It reports false when no such turn is running.
func (s *Supervisor) Cancel(messageID string) bool {
	return s.tasks.Cancel(messageID)
}

// Wait blocks until every started turn has emitted Finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

type turn struct {
	req       TurnRequest
	session   *models.Session
	agent     *models.Agent
	provider  *models.Provider
	chat      ports.ChatProvider
	toolCfgs  []*models.ToolConfig
	search    *models.SearchConfig
	user      *models.Message
	assistant *models.Message
	history   []*models.Message
}

func (t *turn) kind() string {
	if t.req.IsRetry() {
		return "retry"
	}
	return "new"
}

// StartTurn validates and loads everything the turn needs, persists the
// bootstrap messages and starts the round loop. Errors are returned before
// any event is produced. The channel is closed right after Finished; it is
// abandoned (events dropped) once ctx is done, which also cancels the turn.
func (s *Supervisor) StartTurn(ctx context.Context, req TurnRequest) (<-chan models.MessageEvent, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	turnCtx = tracing.WithSessionID(turnCtx, req.SessionID)

	release, err := s.tasks.Register(t.assistant.ID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := s.bootstrap(ctx, t); err != nil {
		release()
		cancel()
		return nil, err
	}

	stop := context.AfterFunc(ctx, cancel)
	out := make(chan models.MessageEvent, eventBuffer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		defer release()
		s.run(turnCtx, ctx.Done(), t, out)
	}()

	return out, nil
}

func (s *Supervisor) prepare(ctx context.Context, req TurnRequest) (*turn, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "session id is required")
	}

	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, notFound(err, domain.ErrSessionNotFound, "session "+req.SessionID)
	}
	agent, err := s.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return nil, notFound(err, domain.ErrAgentNotFound, "agent "+session.AgentID)
	}
	if agent.Model == nil || agent.Model.Name == "" {
		return nil, domain.Errorf(domain.ErrModelMissing, "agent %s", agent.ID)
	}
	provider, err := s.store.GetProvider(ctx, agent.Model.ProviderID)
	if err != nil {
		return nil, notFound(err, domain.ErrProviderNotFound, "provider "+agent.Model.ProviderID)
	}
	chat, err := s.providers.ForProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider.ID, err)
	}

	t := &turn{req: req, session: session, agent: agent, provider: provider, chat: chat}

	if len(agent.ToolIDs) > 0 {
		if t.toolCfgs, err = s.store.GetTools(ctx, agent.ToolIDs); err != nil {
			return nil, fmt.Errorf("failed to load tools: %w", err)
		}
	}
	if req.Options.Search {
		if t.search, err = s.store.GetSearchConfig(ctx); err != nil {
			return nil, fmt.Errorf("failed to load search config: %w", err)
		}
	}

	if req.IsRetry() {
		err = s.prepareRetry(ctx, t)
	} else {
		err = s.prepareNew(ctx, t)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Supervisor) prepareNew(ctx context.Context, t *turn) error {
	in := t.req.Message
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return domain.ErrEmptyContent
	}
	if in.Role != "" && in.Role != models.MessageRoleUser {
		return domain.NewDomainError(domain.ErrInvalidRole, "a turn starts from a user message")
	}

	history, err := s.store.RecentMessages(ctx, t.session.ID, t.agent.HistoryLimit())
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	user := models.NewMessage(s.ids.GenerateMessageID(), t.session.ID, models.MessageRoleUser, in.Content)
	user.Attachments = normalizeAttachments(in.Attachments)

	t.user = user
	t.assistant = models.NewAssistantPlaceholder(s.ids.GenerateMessageID(), t.session.ID)
	t.history = history
	return nil
}

// prepareRetry pops the trailing user/assistant pair off the session history;
// the popped user message is asked again and the assistant message reused.
func (s *Supervisor) prepareRetry(ctx context.Context, t *turn) error {
	existing, err := s.store.GetMessage(ctx, t.req.Message.ID)
	if err != nil {
		return notFound(err, domain.ErrMessageNotFound, "message "+t.req.Message.ID)
	}
	if existing.Role != models.MessageRoleAssistant || existing.SessionID != t.session.ID {
		return domain.Errorf(domain.ErrNotRetryable, "message %s is not an assistant reply of this session", existing.ID)
	}

	limit := t.agent.HistoryLimit()
	recent, err := s.store.RecentMessages(ctx, t.session.ID, limit+2)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	n := len(recent)
	if n < 2 || recent[n-1].ID != existing.ID || recent[n-2].Role != models.MessageRoleUser {
		return domain.Errorf(domain.ErrNotRetryable, "message %s is not the latest reply", existing.ID)
	}

	history := recent[:n-2]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	t.user = recent[n-2]
	t.assistant = existing
	t.history = history
	return nil
}

func (s *Supervisor) bootstrap(ctx context.Context, t *turn) error {
	if t.req.IsRetry() {
		t.assistant.Reset()
		content, reasoning := "", ""
		usage := models.Usage{}
		cost := int64(0)
		status := models.MessageStatusSending
		patch := models.MessagePatch{
			Content:     &content,
			Reasoning:   &reasoning,
			ToolResults: []models.ToolResult{},
			Usage:       &usage,
			Cost:        &cost,
			Status:      &status,
		}
		if err := s.store.UpdateMessage(ctx, t.assistant.ID, patch); err != nil {
			return fmt.Errorf("failed to reset message %s: %w", t.assistant.ID, err)
		}
		return nil
	}

	if err := s.store.InsertMessage(ctx, t.user); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if err := s.store.InsertMessage(ctx, t.assistant); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	return nil
}

type roundResult struct {
	cont  bool
	usage *models.Usage
	err   error
}

func (s *Supervisor) run(ctx context.Context, consumerGone <-chan struct{}, t *turn, out chan<- models.MessageEvent) {
	start := s.now()
	metrics.TurnsActive.Inc()
	defer metrics.TurnsActive.Dec()

	ctx, span := tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, t.session.ID),
			attribute.String(tracing.AttrMessageID, t.assistant.ID),
			attribute.String("chat.turn.kind", t.kind()),
			attribute.Bool("chat.turn.stream", t.req.Options.Stream),
			attribute.String("llm.model", t.agent.Model.Name),
		))
	defer span.End()

	recorder := NewRecorder(s.store, t.assistant.ID, s.flushInterval)
	em := newEmitter(out, consumerGone, func(ev models.MessageEvent) { recorder.Observe(ctx, ev) })

	if t.req.IsRetry() {
		em.emit(models.RetryAssistantMessageStartedEvent(t.assistant))
	} else {
		em.emit(models.UserMessageEvent(t.user))
		em.emit(models.AssistantMessageStartedEvent(t.assistant))
	}

	registry := s.buildRegistry(ctx, t)
	span.SetAttributes(attribute.Int("chat.turn.tool_backends", registry.Len()))
	msgs := buildMessages(
		systemPrompt(t.agent, t.req.Options.IncludeTime, s.now()),
		s.searchContext(ctx, t),
		t.history,
		t.user,
	)
	engine := NewRoundEngine(t.chat, t.provider.Name, NewDispatcher(registry, WithLimit(s.toolLimit)), s.ids)
	descs := registry.Descriptors()

	var (
		total    models.Usage
		turnErr  error
		rounds   int
		inflight chan roundResult
	)

loop:
	for {
		if ctx.Err() != nil {
			break
		}
		if s.maxRounds > 0 && rounds >= s.maxRounds {
			slog.WarnContext(ctx, "turn stopped at round limit", "message_id", t.assistant.ID, "rounds", rounds)
			break
		}
		rounds++

		req := buildRequest(t.agent, descs)
		done := make(chan roundResult, 1)
		inflight = done
		// The round is not aborted by cancellation; the loop just stops waiting.
		roundCtx := context.WithoutCancel(ctx)
		go func() {
			cont, usage, err := engine.Run(roundCtx, req, &msgs, t.req.Options.Stream, em.emit)
			done <- roundResult{cont: cont, usage: usage, err: err}
		}()

		select {
		case res := <-done:
			inflight = nil
			total.Add(res.usage)
			if res.err != nil {
				turnErr = res.err
				break loop
			}
			if !res.cont {
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	outcome := "ok"
	switch {
	case turnErr != nil:
		outcome = "error"
		recorder.MarkFailed()
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, turnErr.Error())
		slog.ErrorContext(ctx, "turn failed", "session_id", t.session.ID, "message_id", t.assistant.ID, "error", turnErr)
	case ctx.Err() != nil:
		outcome = "cancelled"
		slog.InfoContext(ctx, "turn cancelled", "session_id", t.session.ID, "message_id", t.assistant.ID, "rounds", rounds)
	}

	elapsed := s.now().Sub(start)
	em.emit(models.FinishedEvent(elapsed.Milliseconds(), total))
	em.close()

	span.SetAttributes(
		attribute.Int("chat.turn.rounds", rounds),
		attribute.Int("llm.usage.prompt_tokens", total.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", total.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", total.TotalTokens),
	)
	metrics.TurnsTotal.WithLabelValues(t.kind(), outcome).Inc()
	metrics.TurnDuration.Observe(elapsed.Seconds())
	metrics.TokensTotal.WithLabelValues("prompt").Add(float64(total.PromptTokens))
	metrics.TokensTotal.WithLabelValues("completion").Add(float64(total.CompletionTokens))

	if inflight != nil {
		// Tools stay open until the abandoned round returns.
		go func() {
			<-inflight
			closeRegistry(ctx, registry)
		}()
		return
	}
	closeRegistry(ctx, registry)
}

func (s *Supervisor) buildRegistry(ctx context.Context, t *turn) *tools.Registry {
	registry := tools.NewRegistry()
	if s.tools != nil && len(t.toolCfgs) > 0 {
		var errs []error
		registry, errs = tools.Build(ctx, s.tools, t.toolCfgs)
		for _, err := range errs {
			var initErr *tools.ToolInitError
			if errors.As(err, &initErr) {
				metrics.ToolInitFailuresTotal.WithLabelValues(string(initErr.Kind)).Inc()
			}
		}
	}

	if s.search != nil && t.req.Options.Search && t.search.Enabled() && t.search.Mode == models.SearchModeTool {
		registry = registry.With(s.search.NewSearchTool(t.search))
	}
	return registry
}

func (s *Supervisor) searchContext(ctx context.Context, t *turn) string {
	if s.search == nil || !t.req.Options.Search || !t.search.Enabled() || t.search.Mode != models.SearchModeContext {
		return ""
	}
	results, err := s.search.NewSearcher(t.search).Search(ctx, t.user.Content, t.search.ResultCount)
	if err != nil {
		slog.WarnContext(ctx, "web search failed, continuing without results", "session_id", t.session.ID, "error", err)
		return ""
	}
	return formatSearchContext(results)
}

func closeRegistry(ctx context.Context, registry *tools.Registry) {
	if err := registry.Close(); err != nil {
		slog.WarnContext(ctx, "failed to close tools", "error", err)
	}
}

func notFound(err, sentinel error, what string) error {
	if errors.Is(err, ports.ErrNotFound) {
		return domain.NewDomainError(sentinel, what)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// emitter serializes delivery to the observer channel and the recorder. The
// channel closes right after Finished; later events are dropped.
type emitter struct {
	mu      sync.Mutex
	out     chan<- models.MessageEvent
	gone    <-chan struct{}
	observe func(models.MessageEvent)
	closed  bool
}

func newEmitter(out chan<- models.MessageEvent, gone <-chan struct{}, observe func(models.MessageEvent)) *emitter {
	return &emitter{out: out, gone: gone, observe: observe}
}

func (e *emitter) emit(ev models.MessageEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.observe(ev)
	select {
	case e.out <- ev:
	case <-e.gone:
	}

	if ev.Type == models.EventFinished {
		e.closed = true
		close(e.out)
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
}
