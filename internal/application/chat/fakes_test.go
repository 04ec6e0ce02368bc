package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	openai "github.com/sashabaranov/go-openai"
)

// fakeStore is an in-memory ports.Store.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	agents    map[string]*models.Agent
	providers map[string]*models.Provider
	tools     map[string]*models.ToolConfig
	search    *models.SearchConfig
	messages  []*models.Message
	patches   []models.MessagePatch
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  map[string]*models.Session{},
		agents:    map[string]*models.Agent{},
		providers: map[string]*models.Provider{},
		tools:     map[string]*models.ToolConfig{},
	}
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.sessions[id]; ok {
		return v, nil
	}
	return nil, ports.ErrNotFound
}

func (s *fakeStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.agents[id]; ok {
		return v, nil
	}
	return nil, ports.ErrNotFound
}

func (s *fakeStore) GetProvider(_ context.Context, id string) (*models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.providers[id]; ok {
		return v, nil
	}
	return nil, ports.ErrNotFound
}

func (s *fakeStore) GetTools(_ context.Context, ids []string) ([]*models.ToolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ToolConfig
	for _, id := range ids {
		if v, ok := s.tools[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSearchConfig(context.Context) (*models.SearchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.search, nil
}

func (s *fakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			c := *m
			all = append(all, &c)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			c := *m
			return &c, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *fakeStore) InsertMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.messages = append(s.messages, &c)
	return nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, id string, patch models.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, patch)
	if s.updateErr != nil {
		return s.updateErr
	}
	for _, m := range s.messages {
		if m.ID == id {
			patch.Apply(m)
			return nil
		}
	}
	return ports.ErrNotFound
}

func (s *fakeStore) message(id string) *models.Message {
	m, _ := s.GetMessage(context.Background(), id)
	return m
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeRound scripts one provider round. Streaming rounds use chunks and
// recvErr; direct rounds use resp. openErr fails the request itself.
type fakeRound struct {
	chunks  []openai.ChatCompletionStreamResponse
	recvErr error
	resp    openai.ChatCompletionResponse
	openErr error
	// wait, when set, holds the request until it is closed.
	wait chan struct{}
}

type fakeProvider struct {
	mu       sync.Mutex
	rounds   []fakeRound
	requests []openai.ChatCompletionRequest
	calls    atomic.Int32
}

func (p *fakeProvider) next(req openai.ChatCompletionRequest) (fakeRound, error) {
	p.calls.Add(1)
	p.mu.Lock()
	req.Messages = append([]openai.ChatCompletionMessage(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return fakeRound{}, errors.New("no scripted round left")
	}
	r := p.rounds[0]
	p.rounds = p.rounds[1:]
	p.mu.Unlock()

	if r.wait != nil {
		<-r.wait
	}
	return r, r.openErr
}

func (p *fakeProvider) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	r, err := p.next(req)
	return r.resp, err
}

func (p *fakeProvider) CreateChatCompletionStream(_ context.Context, req openai.ChatCompletionRequest) (ports.ChatStream, error) {
	r, err := p.next(req)
	if err != nil {
		return nil, err
	}
	return &fakeStream{chunks: r.chunks, err: r.recvErr}, nil
}

func (p *fakeProvider) request(i int) openai.ChatCompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
	closed bool
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return openai.ChatCompletionStreamResponse{}, s.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeProviders struct {
	provider ports.ChatProvider
}

func (f fakeProviders) ForProvider(*models.Provider) (ports.ChatProvider, error) {
	return f.provider, nil
}

type seqIDs struct {
	n atomic.Int32
}

func (g *seqIDs) next(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, g.n.Add(1))
}

func (g *seqIDs) GenerateMessageID() string  { return g.next("msg") }
func (g *seqIDs) GenerateSessionID() string  { return g.next("ses") }
func (g *seqIDs) GenerateToolCallID() string { return g.next("call") }

// funcBackend serves tools implemented as plain functions.
type funcBackend struct {
	fns    map[string]func(args json.RawMessage) (json.RawMessage, error)
	order  []string
	closed atomic.Bool
}

func newFuncBackend() *funcBackend {
	return &funcBackend{fns: map[string]func(json.RawMessage) (json.RawMessage, error){}}
}

func (b *funcBackend) add(name string, fn func(args json.RawMessage) (json.RawMessage, error)) *funcBackend {
	b.fns[name] = fn
	b.order = append(b.order, name)
	return b
}

func (b *funcBackend) Describe() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, models.ToolDescriptor{Name: n, Description: n, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return out
}

func (b *funcBackend) Invoke(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return b.fns[name](args)
}

func (b *funcBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// backendFactory hands out prebuilt backends by tool id.
type backendFactory map[string]ports.ToolBackend

func (f backendFactory) NewBackend(_ context.Context, cfg *models.ToolConfig) (ports.ToolBackend, error) {
	if b, ok := f[cfg.ID]; ok {
		return b, nil
	}
	return nil, errors.New("spawn failed")
}

func contentChunk(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
	}}}
}

func reasoningChunk(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{ReasoningContent: text},
	}}}
}

func toolChunk(choice, index int, id, name, args string) openai.ChatCompletionStreamResponse {
	idx := index
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Index: choice,
		Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
			Index:    &idx,
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}}},
	}}}
}

func finishChunk(reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		FinishReason: reason,
	}}}
}

func usageChunk(prompt, completion int) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{Usage: &openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// recorderSink collects emitted events.
type recorderSink struct {
	mu     sync.Mutex
	events []models.MessageEvent
}

func (r *recorderSink) emit(ev models.MessageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorderSink) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func collect(t *testing.T, ch <-chan models.MessageEvent) []models.MessageEvent {
	t.Helper()
	var out []models.MessageEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
			return out
		}
	}
}

func eventTypes(events []models.MessageEvent) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
