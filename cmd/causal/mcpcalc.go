package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/longregen/causal/internal/adapters/mcp"
	"github.com/longregen/causal/internal/adapters/tools"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const (
	calcServerName = "causal-calc"
	calcToolName   = "calculate"

	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

var calcSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"code": {
			"type": "string",
			"description": "JavaScript/TypeScript function body. Return the value you want back."
		}
	},
	"required": ["code"]
}`)

// mcpCalcCmd serves a deno-backed calculator over MCP stdio, so a
// process_mcp tool can point at this binary.
func mcpCalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-calc",
		Short:  "Serve a calculator tool over MCP stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			calc := &calcServer{
				denoPath: cfg.Tools.DenoPath,
				timeout:  cfg.Tools.ScriptTimeout.Std(),
			}
			return calc.serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  any               `json:"result,omitempty"`
	Error   *mcp.JSONRPCError `json:"error,omitempty"`
}

type calcServer struct {
	denoPath string
	timeout  time.Duration
}

// serve answers one JSON-RPC message per line until in is exhausted.
func (s *calcServer) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			slog.WarnContext(ctx, "dropping malformed MCP message", "error", err)
			continue
		}
		resp := s.handle(ctx, req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *calcServer) handle(ctx context.Context, req rpcRequest) *rpcResponse {
	// Notifications carry no id and get no answer.
	if len(req.ID) == 0 {
		return nil
	}

	switch req.Method {
	case mcp.MethodInitialize:
		return rpcResult(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcp.Implementation{Name: calcServerName, Version: version},
		})

	case mcp.MethodPing:
		return rpcResult(req.ID, map[string]any{})

	case mcp.MethodToolsList:
		return rpcResult(req.ID, mcp.ToolsListResult{Tools: []mcp.Tool{{
			Name:        calcToolName,
			Description: "Run JavaScript/TypeScript with Deno for calculations, fully offline. Use for math, data transformations and string manipulation.",
			InputSchema: calcSchema,
		}}})

	case mcp.MethodToolsCall:
		var params mcp.ToolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFailure(req.ID, rpcInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
		if params.Name != calcToolName {
			return rpcFailure(req.ID, rpcInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
		}
		var args struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Code == "" {
			return rpcFailure(req.ID, rpcInvalidParams, "missing or invalid 'code' argument")
		}
		return rpcResult(req.ID, s.calculate(withCallerTrace(ctx, params.Meta), args.Code))

	default:
		return rpcFailure(req.ID, rpcMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *calcServer) calculate(ctx context.Context, code string) mcp.ToolsCallResult {
	ctx, span := tracing.Tracer(calcServerName).Start(ctx, "tool."+calcToolName)
	defer span.End()

	backend, err := tools.NewScriptBackend(&models.ToolConfig{
		Name:   calcToolName,
		Kind:   models.ToolKindScript,
		Script: &models.ScriptToolConfig{Code: code},
	}, s.denoPath, s.timeout)
	if err == nil {
		var out json.RawMessage
		out, err = backend.Invoke(ctx, calcToolName, json.RawMessage(`{}`))
		if err == nil {
			return mcp.ToolsCallResult{Content: []mcp.ContentItem{{Type: "text", Text: string(out)}}}
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return mcp.ToolsCallResult{
		Content: []mcp.ContentItem{{Type: "text", Text: "Error: " + err.Error()}},
		IsError: true,
	}
}

// withCallerTrace continues the trace the client put in _meta.
func withCallerTrace(ctx context.Context, meta map[string]any) context.Context {
	carrier := propagation.MapCarrier{}
	for _, key := range []string{"traceparent", "tracestate"} {
		if v, ok := meta[key].(string); ok {
			carrier[key] = v
		}
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

func rpcResult(id json.RawMessage, v any) *rpcResponse {
	return &rpcResponse{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: v}
}

func rpcFailure(id json.RawMessage, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: mcp.JSONRPCVersion, ID: id, Error: &mcp.JSONRPCError{Code: code, Message: msg}}
}
