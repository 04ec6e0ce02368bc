package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/longregen/causal/internal/adapters/tracing"
)

const defaultCallTimeout = 30 * time.Second

// Client speaks JSON-RPC to one MCP server over a Transport.
type Client struct {
	name        string
	transport   Transport
	callTimeout time.Duration

	mu           sync.RWMutex
	nextID       atomic.Int64
	pendingCalls map[int64]chan *JSONRPCResponse
	initialized  bool
	serverInfo   Implementation

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewClient(name string, transport Transport) *Client {
	c := &Client{
		name:         name,
		transport:    transport,
		callTimeout:  defaultCallTimeout,
		pendingCalls: make(map[int64]chan *JSONRPCResponse),
		closeCh:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Handshake runs initialize, sends the initialized notification and lists the
// server's tools.
func (c *Client) Handshake(ctx context.Context) ([]Tool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.ListTools(ctx)
}

func (c *Client) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: Implementation{
			Name:    ClientName,
			Version: ClientVersion,
		},
	}

	result, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Send(ctx, newNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	slog.Debug("mcp server initialized",
		"client", c.name,
		"server", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	var tools []Tool
	var params ToolsListParams
	for {
		result, err := c.call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list failed: %w", err)
		}

		var page ToolsListResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		params.Cursor = *page.NextCursor
	}
	return tools, nil
}

// CallTool returns the raw tools/call result object, including the isError
// flag, exactly as the server sent it.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	params := ToolsCallParams{
		Name:      name,
		Arguments: arguments,
		Meta:      tracing.MCPMeta(ctx),
	}

	result, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}
	return result, nil
}

func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)

		c.mu.Lock()
		for id, ch := range c.pendingCalls {
			close(ch)
			delete(c.pendingCalls, id)
		}
		c.initialized = false
		c.mu.Unlock()

		if c.transport != nil {
			err = c.transport.Close()
		}
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	respCh := make(chan *JSONRPCResponse, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, newRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, fmt.Errorf("client closed")
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("response channel closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %s", c.callTimeout)
	}
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case msg, ok := <-c.transport.Receive():
			if !ok {
				c.failPending()
				return
			}
			if msg.Error != nil {
				slog.Warn("mcp transport error", "client", c.name, "error", msg.Error)
				continue
			}
			c.handleMessage(msg.Data)
		}
	}
}

// failPending releases callers blocked on a transport that went away.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pendingCalls {
		close(ch)
		delete(c.pendingCalls, id)
	}
}

func (c *Client) handleMessage(data []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Debug("mcp: dropping malformed message", "client", c.name, "error", err)
		return
	}
	if resp.Method != "" {
		// Notifications and server-initiated requests are not needed for tool calls.
		return
	}

	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, exists := c.pendingCalls[id]
	if !exists {
		return
	}

	select {
	case ch <- &resp:
	default:
	}
}
