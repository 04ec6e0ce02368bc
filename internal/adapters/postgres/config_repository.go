package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/causal/internal/domain/models"
)

const settingsKeySearch = "search"

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, agent_id, topic, created_at, updated_at
		FROM causal_sessions
		WHERE id = $1`

	var session models.Session
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.AgentID,
		&session.Topic,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO causal_sessions (id, agent_id, topic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			topic = EXCLUDED.topic,
			updated_at = EXCLUDED.updated_at`

	_, err := s.conn(ctx).Exec(ctx, query,
		session.ID,
		session.AgentID,
		session.Topic,
		session.CreatedAt,
		session.UpdatedAt,
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, prompt, temperature, top_p, max_tokens, context_size,
		       provider_id, model, tool_ids, created_at, updated_at
		FROM causal_agents
		WHERE id = $1`

	var (
		agent       models.Agent
		temperature float64
		topP        sql.NullFloat64
		providerID  string
		model       string
		toolIDs     []byte
	)
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&agent.ID,
		&agent.Name,
		&agent.Prompt,
		&temperature,
		&topP,
		&agent.MaxTokens,
		&agent.ContextSize,
		&providerID,
		&model,
		&toolIDs,
		&agent.CreatedAt,
		&agent.UpdatedAt,
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
	if err := decodeJSONB(toolIDs, &agent.ToolIDs); err != nil {
		return nil, fmt.Errorf("decode tool ids of agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	toolIDs, err := jsonbList("tool_ids", agent.ToolIDs)
	if err != nil {
		return err
	}
	var topP *float64
	if agent.TopP != nil {
		v := float64(*agent.TopP)
		topP = &v
	}
	var providerID, model string
	if agent.Model != nil {
		providerID, model = agent.Model.ProviderID, agent.Model.Name
	}

	query := `
		INSERT INTO causal_agents (
			id, name, prompt, temperature, top_p, max_tokens, context_size,
			provider_id, model, tool_ids, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			prompt = EXCLUDED.prompt,
			temperature = EXCLUDED.temperature,
			top_p = EXCLUDED.top_p,
			max_tokens = EXCLUDED.max_tokens,
			context_size = EXCLUDED.context_size,
			provider_id = EXCLUDED.provider_id,
			model = EXCLUDED.model,
			tool_ids = EXCLUDED.tool_ids,
			updated_at = EXCLUDED.updated_at`

	_, err = s.conn(ctx).Exec(ctx, query,
		agent.ID,
		agent.Name,
		agent.Prompt,
		float64(agent.Temperature),
		topP,
		agent.MaxTokens,
		agent.ContextSize,
		providerID,
		model,
		toolIDs,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	return err
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, url, api_key, models, created_at, updated_at
		FROM causal_providers
		WHERE id = $1`

	var (
		provider  models.Provider
		modelList []byte
	)
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&provider.ID,
		&provider.Name,
		&provider.URL,
		&provider.APIKey,
		&modelList,
		&provider.CreatedAt,
		&provider.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := decodeJSONB(modelList, &provider.Models); err != nil {
		return nil, fmt.Errorf("decode models of provider %s: %w", id, err)
	}
	return &provider, nil
}

func (s *Store) SaveProvider(ctx context.Context, provider *models.Provider) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	modelList, err := jsonbList("models", provider.Models)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO causal_providers (id, name, url, api_key, models, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			api_key = EXCLUDED.api_key,
			models = EXCLUDED.models,
			updated_at = EXCLUDED.updated_at`

	_, err = s.conn(ctx).Exec(ctx, query,
		provider.ID,
		provider.Name,
		provider.URL,
		provider.APIKey,
		modelList,
		provider.CreatedAt,
		provider.UpdatedAt,
	)
	return err
}

// toolSections is the JSONB form of the kind-specific part of a tool.
type toolSections struct {
	Script  *models.ScriptToolConfig    `json:"script,omitempty"`
	Process *models.ProcessToolConfig   `json:"process,omitempty"`
	Remote  *models.RemoteToolConfig    `json:"remote,omitempty"`
	Search  *models.WebSearchToolConfig `json:"search,omitempty"`
}

func (s *Store) GetTools(ctx context.Context, ids []string) ([]*models.ToolConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, description, kind, config, created_at, updated_at
		FROM causal_tools
		WHERE id = ANY($1)`

	rows, err := s.conn(ctx).Query(ctx, query, ids)
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

func scanTool(row pgx.Row) (*models.ToolConfig, error) {
	var (
		tool   models.ToolConfig
		kind   string
		config []byte
	)
	if err := row.Scan(
		&tool.ID,
		&tool.Name,
		&tool.Description,
		&kind,
		&config,
		&tool.CreatedAt,
		&tool.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tool.Kind = models.ToolKind(kind)

	var sections toolSections
	if err := decodeJSONB(config, &sections); err != nil {
		return nil, fmt.Errorf("decode config of tool %s: %w", tool.ID, err)
	}
	tool.Script = sections.Script
	tool.Process = sections.Process
	tool.Remote = sections.Remote
	tool.Search = sections.Search
	return &tool, nil
}

func (s *Store) SaveTool(ctx context.Context, tool *models.ToolConfig) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	config, err := json.Marshal(toolSections{
		Script:  tool.Script,
		Process: tool.Process,
		Remote:  tool.Remote,
		Search:  tool.Search,
	})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO causal_tools (id, name, description, kind, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			kind = EXCLUDED.kind,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`

	_, err = s.conn(ctx).Exec(ctx, query,
		tool.ID,
		tool.Name,
		tool.Description,
		string(tool.Kind),
		config,
		tool.CreatedAt,
		tool.UpdatedAt,
	)
	return err
}

func (s *Store) GetSearchConfig(ctx context.Context) (*models.SearchConfig, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var value []byte
	err := s.conn(ctx).QueryRow(ctx, `SELECT value FROM causal_settings WHERE key = $1`, settingsKeySearch).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg *models.SearchConfig
	if err := decodeJSONB(value, &cfg); err != nil {
		return nil, fmt.Errorf("decode search settings: %w", err)
	}
	return cfg, nil
}

func (s *Store) SaveSearchConfig(ctx context.Context, search *models.SearchConfig) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	value, err := jsonbValue("search settings", search)
	if err != nil {
		return err
	}
	if value == nil {
		_, err = s.conn(ctx).Exec(ctx, `DELETE FROM causal_settings WHERE key = $1`, settingsKeySearch)
		return err
	}

	query := `
		INSERT INTO causal_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	_, err = s.conn(ctx).Exec(ctx, query, settingsKeySearch, value, time.Now().UTC())
	return err
}
