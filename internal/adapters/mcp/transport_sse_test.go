package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.expected {
				t.Errorf("isPrivateIP(%s) = %v, expected %v", tt.ip, got, tt.expected)
			}
		})
	}

	if isPrivateIP(nil) {
		t.Error("isPrivateIP(nil) should return false")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		opts    SSEOptions
		wantErr bool
	}{
		{"ftp scheme", "ftp://example.com/sse", SSEOptions{}, true},
		{"no host", "http:///sse", SSEOptions{}, true},
		{"localhost", "http://localhost:8080/sse", SSEOptions{}, true},
		{"metadata", "http://169.254.169.254/latest", SSEOptions{}, true},
		{"private literal", "http://10.1.2.3/sse", SSEOptions{}, true},
		{"public literal", "https://8.8.8.8/sse", SSEOptions{}, false},
		{"private allowed", "http://127.0.0.1:9000/sse", SSEOptions{AllowPrivate: true}, false},
		{"allow list hit", "http://tools.example.com/sse", SSEOptions{AllowedHosts: []string{"tools.example.com"}}, false},
		{"allow list miss", "http://other.example.com/sse", SSEOptions{AllowedHosts: []string{"tools.example.com"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// sseMCPServer is a minimal remote MCP server: GET /sse streams responses and
// POST /message?session=1 accepts requests.
func sseMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	responses := make(chan []byte, 16)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: endpoint\ndata: /message?session=1\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-responses:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("session"))
		body, _ := io.ReadAll(r.Body)

		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		w.WriteHeader(http.StatusAccepted)
		if req.ID == nil {
			return
		}

		var result any
		switch req.Method {
		case MethodInitialize:
			result = InitializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: Implementation{Name: "remote"}}
		case MethodToolsList:
			result = ToolsListResult{Tools: []Tool{{Name: "lookup", Description: "find things"}}}
		case MethodToolsCall:
			result = ToolsCallResult{Content: []ContentItem{{Type: "text", Text: "found"}}}
		}
		out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
		responses <- out
	})

	return httptest.NewServer(mux)
}

func TestRemoteBackend_EndToEnd(t *testing.T) {
	srv := sseMCPServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	backend, err := NewRemoteBackend(ctx, "remote",
		&models.RemoteToolConfig{URL: srv.URL + "/sse", APIKey: "secret"},
		SSEOptions{AllowPrivate: true})
	require.NoError(t, err)
	defer backend.Close()

	tools := backend.Describe()
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(tools[0].InputSchema))

	result, err := backend.Invoke(ctx, "lookup", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"found"}]}`, string(result))
}

func TestSSETransport_RejectsForeignEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: http://evil.example.com/message\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	transport, err := NewSSETransport(srv.URL+"/sse", SSEOptions{AllowPrivate: true})
	require.NoError(t, err)

	err = transport.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not on the server origin"))
}

func TestSSETransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	transport, err := NewSSETransport(srv.URL, SSEOptions{AllowPrivate: true})
	require.NoError(t, err)

	err = transport.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.NoError(t, transport.Close())
}
