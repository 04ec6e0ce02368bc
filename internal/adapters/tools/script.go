package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/longregen/causal/internal/domain/models"
)

const defaultScriptTimeout = 30 * time.Second

// ScriptBackend runs a stored JavaScript/TypeScript body under deno. The body
// sees the call arguments as `args`; the value it returns becomes the result.
type ScriptBackend struct {
	descriptor models.ToolDescriptor
	code       string
	denoPath   string
	timeout    time.Duration
}

func NewScriptBackend(cfg *models.ToolConfig, denoPath string, timeout time.Duration) (*ScriptBackend, error) {
	if cfg.Script == nil || strings.TrimSpace(cfg.Script.Code) == "" {
		return nil, fmt.Errorf("script tool %s has no code", cfg.Name)
	}
	if denoPath == "" {
		denoPath = "deno"
	}
	if _, err := exec.LookPath(denoPath); err != nil {
		return nil, fmt.Errorf("script runtime not available: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	return &ScriptBackend{
		descriptor: models.ToolDescriptor{
			Name:        cfg.Name,
			Description: cfg.Description,
			InputSchema: paramsSchema(cfg.Script.Params),
		},
		code:     cfg.Script.Code,
		denoPath: denoPath,
		timeout:  timeout,
	}, nil
}

// paramsSchema renders declared parameters as a JSON object schema.
func paramsSchema(params []models.ToolParam) json.RawMessage {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, _ := json.Marshal(schema)
	return data
}

func (b *ScriptBackend) Describe() []models.ToolDescriptor {
	return []models.ToolDescriptor{b.descriptor}
}

func (b *ScriptBackend) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if name != b.descriptor.Name {
		return nil, fmt.Errorf("script backend %s cannot run %s", b.descriptor.Name, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	source, err := wrapScript(b.code, args)
	if err != nil {
		return nil, err
	}

	tmpFile, err := os.CreateTemp("", "causal-tool-*.ts")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(source); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to write script: %w", err)
	}
	tmpFile.Close()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.denoPath, "run",
		"--no-remote",
		"--no-npm",
		"--no-config",
		"--no-prompt",
		"--allow-read="+tmpFile.Name(),
		tmpFile.Name(),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("execution timed out (%s limit)", b.timeout)
		}
		return nil, fmt.Errorf("%s\n%s", err, strings.TrimSpace(string(output)))
	}

	return scriptResult(output), nil
}

func (b *ScriptBackend) Close() error {
	return nil
}

// wrapScript binds the arguments and prints the body's return value as JSON.
func wrapScript(code string, args json.RawMessage) (string, error) {
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	literal, err := json.Marshal(string(args))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`
const args = JSON.parse(%s);
const __result = await (async (args) => {
%s
})(args);
if (__result !== undefined) {
	console.log(JSON.stringify(__result));
}
`, literal, code), nil
}

// scriptResult returns the output as JSON when it parses, otherwise wraps
// the text as {"output": ...}.
func scriptResult(output []byte) json.RawMessage {
	text := strings.TrimSpace(string(output))
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	wrapped, _ := json.Marshal(map[string]string{"output": text})
	return wrapped
}
