package chat

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	agent := &models.Agent{Prompt: "  Be brief.  "}

	assert.Equal(t, "Be brief.", systemPrompt(agent, false, now))
	assert.Equal(t, "Be brief.\n\nCurrent time: Fri, 01 Mar 2024 12:30:00 UTC", systemPrompt(agent, true, now))
	assert.Equal(t, "Current time: Fri, 01 Mar 2024 12:30:00 UTC", systemPrompt(&models.Agent{}, true, now))
}

func TestFormatSearchContext(t *testing.T) {
	out := formatSearchContext([]ports.SearchResult{
		{Title: "Weather", Content: "Sunny"},
		{Title: "News", Content: "Quiet"},
	})
	assert.Equal(t, "<search><name>Weather</name><data>Sunny</data></search>\n<search><name>News</name><data>Quiet</data></search>", out)
	assert.Empty(t, formatSearchContext(nil))
}

func TestBuildMessages(t *testing.T) {
	history := []*models.Message{
		models.NewMessage("m1", "s", models.MessageRoleUser, "first"),
		models.NewMessage("m2", "s", models.MessageRoleAssistant, "reply"),
		models.NewMessage("m3", "s", models.MessageRoleUser, "second"),
		models.NewAssistantPlaceholder("m4", "s"),
		models.NewMessage("m5", "s", models.MessageRoleTool, "{}"),
	}
	user := models.NewMessage("m6", "s", models.MessageRoleUser, "question")
	user.Attachments = []models.Attachment{{Name: "a.txt", Data: "body"}}

	msgs := buildMessages("sys", "ctx", history, user)

	require.Len(t, msgs, 6)
	assert.Equal(t, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "sys"}, msgs[0])
	assert.Equal(t, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "ctx"}, msgs[1])
	assert.Equal(t, "first", msgs[2].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[3].Role)
	assert.Equal(t, "second", msgs[4].Content)
	assert.Equal(t, "<attachment><name>a.txt</name><data>body</data></attachment>\n\nquestion", msgs[5].Content)

	bare := buildMessages("", "", nil, models.NewMessage("x", "s", models.MessageRoleUser, "hi"))
	require.Len(t, bare, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, bare[0].Role)
}

func TestBuildRequest(t *testing.T) {
	topP := float32(0.9)
	agent := &models.Agent{
		Model:     &models.ModelRef{ProviderID: "p", Name: "gpt-test"},
		MaxTokens: 256,
		TopP:      &topP,
	}
	req := buildRequest(agent, []models.ToolDescriptor{
		{Name: "get_weather", Description: "Weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "noop"},
	})

	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, float32(math.SmallestNonzeroFloat32), req.Temperature)
	assert.Equal(t, float32(0.9), req.TopP)
	require.Len(t, req.Tools, 2)
	assert.Equal(t, openai.ToolTypeFunction, req.Tools[0].Type)
	assert.Equal(t, "get_weather", req.Tools[0].Function.Name)
	assert.Equal(t, json.RawMessage(`{"type":"object","properties":{}}`), req.Tools[1].Function.Parameters)

	agent.Temperature = 0.7
	assert.Equal(t, float32(0.7), buildRequest(agent, nil).Temperature)
	assert.Nil(t, buildRequest(agent, nil).Tools)
}
