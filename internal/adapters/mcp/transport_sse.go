package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SSETransport talks to a remote MCP server: server messages arrive on a
// long-lived text/event-stream and client messages are POSTed to the endpoint
// the server announces in its first "endpoint" event.
type SSETransport struct {
	sseURL       string
	apiKey       string
	streamClient *http.Client
	postClient   *http.Client

	receiveCh chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	mu        sync.RWMutex
	connected bool
	endpoint  string
}

type SSEOptions struct {
	APIKey string
	// AllowPrivate disables the private-address check, for servers on the
	// local network.
	AllowPrivate bool
	// AllowedHosts, when non-empty, is the only set of hostnames accepted.
	AllowedHosts []string
	HTTPClient   *http.Client
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && len(ip) != len(ip4) {
		return isPrivateIP(ip4)
	}
	return false
}

var internalHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"local",
	"internal",
	"metadata",
	"metadata.google.internal",
	"instance-data",
	"169.254.169.254",
	"metadata.azure.com",
	"kubernetes",
	"kubernetes.default",
	"kubernetes.default.svc",
	"kubernetes.default.svc.cluster.local",
}

// validateURL guards against server-side request forgery through tool
// configuration.
func validateURL(rawURL string, opts SSEOptions) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported URL scheme: %s (only http and https are allowed)", parsedURL.Scheme)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	if len(opts.AllowedHosts) > 0 {
		for _, allowed := range opts.AllowedHosts {
			if strings.EqualFold(hostname, allowed) {
				return nil
			}
		}
		return fmt.Errorf("hostname %q is not in the allowed hosts list", hostname)
	}

	if opts.AllowPrivate {
		return nil
	}

	lowerHostname := strings.ToLower(hostname)
	for _, internal := range internalHostnames {
		if lowerHostname == internal || strings.HasSuffix(lowerHostname, "."+internal) {
			return fmt.Errorf("hostname %q is not allowed: internal/metadata hostname", hostname)
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("address %s is private/internal", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve hostname %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("hostname %q resolves to private/internal IP address %s", hostname, ip.String())
		}
	}
	return nil
}

func NewSSETransport(sseURL string, opts SSEOptions) (*SSETransport, error) {
	if err := validateURL(sseURL, opts); err != nil {
		return nil, fmt.Errorf("URL validation failed: %w", err)
	}

	streamClient := opts.HTTPClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}

	return &SSETransport{
		sseURL:       sseURL,
		apiKey:       opts.APIKey,
		streamClient: streamClient,
		postClient:   &http.Client{Timeout: 30 * time.Second, Transport: streamClient.Transport},
		receiveCh:    make(chan Message, 10),
		closeCh:      make(chan struct{}),
	}, nil
}

// Connect opens the event stream and waits for the server to announce its
// message endpoint.
func (t *SSETransport) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create SSE request: %w", err)
	}
	t.setAuth(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE connection failed: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	t.cancel = cancel
	endpointCh := make(chan string, 1)
	go t.readSSE(resp.Body, endpointCh)

	select {
	case endpoint, ok := <-endpointCh:
		if !ok {
			t.Close()
			return fmt.Errorf("SSE stream ended before the endpoint event")
		}
		resolved, err := t.resolveEndpoint(endpoint)
		if err != nil {
			t.Close()
			return err
		}
		t.mu.Lock()
		t.endpoint = resolved
		t.connected = true
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// resolveEndpoint makes the announced endpoint absolute and keeps it on the
// same origin as the event stream.
func (t *SSETransport) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(t.sseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != base.Scheme || resolved.Host != base.Host {
		return "", fmt.Errorf("endpoint %q is not on the server origin", endpoint)
	}
	return resolved.String(), nil
}

func (t *SSETransport) setAuth(req *http.Request) {
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

func (t *SSETransport) Send(ctx context.Context, message any) error {
	t.mu.RLock()
	connected, endpoint := t.connected, t.endpoint
	t.mu.RUnlock()
	if !connected {
		return fmt.Errorf("transport not connected")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.setAuth(req)

	resp, err := t.postClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *SSETransport) Receive() <-chan Message {
	return t.receiveCh
}

func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)

		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()

		if t.cancel != nil {
			t.cancel()
		} else {
			close(t.receiveCh)
		}
	})
	return nil
}

func (t *SSETransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// readSSE is the only sender on receiveCh and closes it when the stream ends.
func (t *SSETransport) readSSE(body io.ReadCloser, endpointCh chan<- string) {
	defer func() {
		body.Close()
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.receiveCh)
	}()

	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpointCh)
		}
	}()

	reader := bufio.NewReader(body)
	var eventType string
	var eventData []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				select {
				case t.receiveCh <- Message{Error: fmt.Errorf("SSE read error: %w", err)}:
				case <-t.closeCh:
				default:
				}
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(eventData) == 0 {
				eventType = ""
				continue
			}
			data := strings.Join(eventData, "\n")
			switch eventType {
			case "endpoint":
				if !endpointSent {
					endpointCh <- data
					close(endpointCh)
					endpointSent = true
				}
			case "", "message":
				select {
				case t.receiveCh <- Message{Data: []byte(data)}:
				case <-t.closeCh:
					return
				}
			}
			eventType = ""
			eventData = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			eventData = append(eventData, strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
}
