package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// Transport carries JSON-RPC messages between a Client and one MCP server.
type Transport interface {
	Send(ctx context.Context, message any) error
	// Receive is closed once the transport can deliver nothing more.
	Receive() <-chan Message
	Close() error
	IsConnected() bool
}

type Message struct {
	Data  []byte
	Error error
}

var shellMetaChars = regexp.MustCompile(`[;&|$` + "`" + `\(\)<>]`)

// validateCommand resolves command on PATH and rejects arguments that look
// like shell injection.
func validateCommand(command string, args []string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("command cannot be empty")
	}
	if shellMetaChars.MatchString(command) {
		return "", fmt.Errorf("command contains invalid characters")
	}

	cmdPath, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("command not found: %s", command)
	}

	for i, arg := range args {
		if shellMetaChars.MatchString(arg) {
			return "", fmt.Errorf("argument %d contains invalid characters", i)
		}
		lowerArg := strings.ToLower(arg)
		if strings.HasPrefix(lowerArg, "--exec") ||
			strings.HasPrefix(lowerArg, "--config=") ||
			strings.HasPrefix(lowerArg, "-c=") {
			return "", fmt.Errorf("argument %d contains potentially dangerous flag", i)
		}
	}

	return cmdPath, nil
}

// StdioTransport runs an MCP server as a child process and exchanges
// newline-delimited JSON over its stdin and stdout.
type StdioTransport struct {
	name      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	receiveCh chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	writeMu   sync.Mutex
	mu        sync.RWMutex
	connected bool
}

// NewStdioTransport starts command with env (KEY=VALUE entries) appended to
// the parent environment.
func NewStdioTransport(name, command string, args []string, env []string) (*StdioTransport, error) {
	cmdPath, err := validateCommand(command, args)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	cmd := exec.Command(cmdPath, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	t := &StdioTransport{
		name:      name,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		receiveCh: make(chan Message, 10),
		closeCh:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readLoop()
	go t.monitorProcess()
	go t.readStderr()

	// receiveCh closes after both senders are done, whichever way they stop.
	go func() {
		t.wg.Wait()
		close(t.receiveCh)
	}()

	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, message any) error {
	if !t.IsConnected() {
		return fmt.Errorf("transport not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *StdioTransport) Receive() <-chan Message {
	return t.receiveCh
}

func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)

		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()

		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			if killErr := t.cmd.Process.Kill(); killErr != nil && !strings.Contains(killErr.Error(), "process already finished") {
				err = killErr
			}
		}
	})
	return err
}

func (t *StdioTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *StdioTransport) readLoop() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		select {
		case t.receiveCh <- Message{Data: dataCopy}:
		case <-t.closeCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case t.receiveCh <- Message{Error: fmt.Errorf("scanner error: %w", err)}:
		case <-t.closeCh:
		}
	}
}

func (t *StdioTransport) readStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		slog.Debug("mcp server stderr", "server", t.name, "line", scanner.Text())
	}
}

// monitorProcess marks the transport disconnected once the child exits.
func (t *StdioTransport) monitorProcess() {
	defer t.wg.Done()

	err := t.cmd.Wait()

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()

	if err != nil && wasConnected {
		select {
		case t.receiveCh <- Message{Error: fmt.Errorf("process exited: %w", err)}:
		case <-t.closeCh:
		}
	}
}
