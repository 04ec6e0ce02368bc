package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/longregen/causal/internal/domain/models"
)

const settingsKeySearch = "search"

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		session          models.Session
		created, updated string
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, agent_id, topic, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.AgentID, &session.Topic, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	if err := parseTimes(&session.CreatedAt, &session.UpdatedAt, created, updated); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, topic, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = excluded.agent_id,
			topic = excluded.topic,
			updated_at = excluded.updated_at`,
		session.ID, session.AgentID, session.Topic,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt),
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var (
		agent            models.Agent
		temperature      float64
		topP             sql.NullFloat64
		providerID       string
		model            string
		toolIDs          sql.NullString
		created, updated string
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, prompt, temperature, top_p, max_tokens, context_size,
		       provider_id, model, tool_ids, created_at, updated_at
		FROM agents WHERE id = ?`, id,
	).Scan(
		&agent.ID, &agent.Name, &agent.Prompt, &temperature, &topP,
		&agent.MaxTokens, &agent.ContextSize, &providerID, &model, &toolIDs,
		&created, &updated,
	)
	if err != nil {
		return nil, notFound(err)
	}

	agent.Temperature = float32(temperature)
	if topP.Valid {
		v := float32(topP.Float64)
		agent.TopP = &v
	}
	if providerID != "" || model != "" {
		agent.Model = &models.ModelRef{ProviderID: providerID, Name: model}
	}
	if toolIDs.Valid {
		if err := json.Unmarshal([]byte(toolIDs.String), &agent.ToolIDs); err != nil {
			return nil, fmt.Errorf("decode tool ids of agent %s: %w", id, err)
		}
	}
	if err := parseTimes(&agent.CreatedAt, &agent.UpdatedAt, created, updated); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	var toolIDs []byte
	if agent.ToolIDs != nil {
		var err error
		if toolIDs, err = json.Marshal(agent.ToolIDs); err != nil {
			return err
		}
	}
	var topP any
	if agent.TopP != nil {
		topP = float64(*agent.TopP)
	}
	var providerID, model string
	if agent.Model != nil {
		providerID, model = agent.Model.ProviderID, agent.Model.Name
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO agents (
			id, name, prompt, temperature, top_p, max_tokens, context_size,
			provider_id, model, tool_ids, created_at, updated_at
		) VALUES (`+placeholders(12)+`)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			prompt = excluded.prompt,
			temperature = excluded.temperature,
			top_p = excluded.top_p,
			max_tokens = excluded.max_tokens,
			context_size = excluded.context_size,
			provider_id = excluded.provider_id,
			model = excluded.model,
			tool_ids = excluded.tool_ids,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Prompt, float64(agent.Temperature), topP,
		agent.MaxTokens, agent.ContextSize, providerID, model, jsonText(toolIDs),
		formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt),
	)
	return err
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var (
		provider         models.Provider
		modelList        sql.NullString
		created, updated string
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, name, url, api_key, models, created_at, updated_at FROM providers WHERE id = ?`, id,
	).Scan(&provider.ID, &provider.Name, &provider.URL, &provider.APIKey, &modelList, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	if modelList.Valid {
		if err := json.Unmarshal([]byte(modelList.String), &provider.Models); err != nil {
			return nil, fmt.Errorf("decode models of provider %s: %w", id, err)
		}
	}
	if err := parseTimes(&provider.CreatedAt, &provider.UpdatedAt, created, updated); err != nil {
		return nil, err
	}
	return &provider, nil
}

func (s *Store) SaveProvider(ctx context.Context, provider *models.Provider) error {
	var modelList []byte
	if provider.Models != nil {
		var err error
		if modelList, err = json.Marshal(provider.Models); err != nil {
			return err
		}
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO providers (id, name, url, api_key, models, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			api_key = excluded.api_key,
			models = excluded.models,
			updated_at = excluded.updated_at`,
		provider.ID, provider.Name, provider.URL, provider.APIKey, jsonText(modelList),
		formatTime(provider.CreatedAt), formatTime(provider.UpdatedAt),
	)
	return err
}

type toolSections struct {
	Script  *models.ScriptToolConfig    `json:"script,omitempty"`
	Process *models.ProcessToolConfig   `json:"process,omitempty"`
	Remote  *models.RemoteToolConfig    `json:"remote,omitempty"`
	Search  *models.WebSearchToolConfig `json:"search,omitempty"`
}

// GetTools returns the known tools among ids, in the order requested.
func (s *Store) GetTools(ctx context.Context, ids []string) ([]*models.ToolConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, name, description, kind, config, created_at, updated_at
		FROM tools WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*models.ToolConfig, len(ids))
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		byID[tool.ID] = tool
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.ToolConfig, 0, len(byID))
	for _, id := range ids {
		if tool, ok := byID[id]; ok {
			out = append(out, tool)
		}
	}
	return out, nil
}

func scanTool(row rowScanner) (*models.ToolConfig, error) {
	var (
		tool             models.ToolConfig
		kind, config     string
		created, updated string
	)
	if err := row.Scan(&tool.ID, &tool.Name, &tool.Description, &kind, &config, &created, &updated); err != nil {
		return nil, err
	}
	tool.Kind = models.ToolKind(kind)

	var sections toolSections
	if err := json.Unmarshal([]byte(config), &sections); err != nil {
		return nil, fmt.Errorf("decode config of tool %s: %w", tool.ID, err)
	}
	tool.Script, tool.Process, tool.Remote, tool.Search = sections.Script, sections.Process, sections.Remote, sections.Search

	if err := parseTimes(&tool.CreatedAt, &tool.UpdatedAt, created, updated); err != nil {
		return nil, err
	}
	return &tool, nil
}

func (s *Store) SaveTool(ctx context.Context, tool *models.ToolConfig) error {
	config, err := json.Marshal(toolSections{
		Script:  tool.Script,
		Process: tool.Process,
		Remote:  tool.Remote,
		Search:  tool.Search,
	})
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO tools (id, name, description, kind, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		tool.ID, tool.Name, tool.Description, string(tool.Kind), string(config),
		formatTime(tool.CreatedAt), formatTime(tool.UpdatedAt),
	)
	return err
}

func (s *Store) GetSearchConfig(ctx context.Context) (*models.SearchConfig, error) {
	var value string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKeySearch).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg models.SearchConfig
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return nil, fmt.Errorf("decode search settings: %w", err)
	}
	return &cfg, nil
}

// SaveSearchConfig stores the search settings; nil removes them.
func (s *Store) SaveSearchConfig(ctx context.Context, search *models.SearchConfig) error {
	if search == nil {
		_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, settingsKeySearch)
		return err
	}
	value, err := json.Marshal(search)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKeySearch, string(value), formatTime(time.Now()),
	)
	return err
}

func parseTimes(created, updated *time.Time, createdText, updatedText string) error {
	var err error
	if *created, err = parseTime(createdText); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if *updated, err = parseTime(updatedText); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	return nil
}
