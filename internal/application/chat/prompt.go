package chat

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	openai "github.com/sashabaranov/go-openai"
)

// systemPrompt is the agent prompt, optionally followed by the current time.
func systemPrompt(agent *models.Agent, includeTime bool, now time.Time) string {
	prompt := strings.TrimSpace(agent.Prompt)
	if !includeTime {
		return prompt
	}
	stamp := "Current time: " + now.Format(time.RFC1123)
	if prompt == "" {
		return stamp
	}
	return prompt + "\n\n" + stamp
}

func formatSearchContext(results []ports.SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("<search><name>%s</name><data>%s</data></search>", r.Title, r.Content))
	}
	return strings.Join(parts, "\n")
}

// buildMessages assembles the provider-bound list: system prompt, search
// context, bounded history, then the current user message.
func buildMessages(system, searchContext string, history []*models.Message, user *models.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+3)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	if searchContext != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: searchContext})
	}
	for _, m := range history {
		if msg, ok := historyMessage(m); ok {
			msgs = append(msgs, msg)
		}
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user.ContextContent(),
	})
	return msgs
}

// historyMessage maps a stored message to its provider form. Empty assistant
// replies (failed or still running) are skipped; tool rounds are not replayed.
func historyMessage(m *models.Message) (openai.ChatCompletionMessage, bool) {
	switch m.Role {
	case models.MessageRoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.ContextContent()}, true
	case models.MessageRoleAssistant:
		if m.Content == "" {
			return openai.ChatCompletionMessage{}, false
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}, true
	case models.MessageRoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content}, true
	}
	return openai.ChatCompletionMessage{}, false
}

func toolDefinitions(descs []models.ToolDescriptor) []openai.Tool {
	if len(descs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(descs))
	for _, d := range descs {
		var params any = json.RawMessage(`{"type":"object","properties":{}}`)
		if len(d.InputSchema) > 0 {
			params = d.InputSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// buildRequest fills the sampling parameters from the agent. Messages are
// set by the round engine.
func buildRequest(agent *models.Agent, descs []models.ToolDescriptor) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       agent.Model.Name,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
		Tools:       toolDefinitions(descs),
	}
	// go-openai omits a zero temperature, which providers read as 1.
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	if agent.TopP != nil {
		req.TopP = *agent.TopP
	}
	return req
}
