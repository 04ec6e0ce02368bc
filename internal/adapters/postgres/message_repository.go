package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

const messageColumns = `id, session_id, role, content, reasoning, attachments, tool_results,
		       usage, cost, status, created_at, updated_at`

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT seq, ` + messageColumns + `
			FROM causal_messages
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`

	rows, err := s.conn(ctx).Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM causal_messages
		WHERE id = $1`

	m, err := scanMessage(s.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	attachments, err := jsonbList("attachments", m.Attachments)
	if err != nil {
		return err
	}
	toolResults, err := jsonbList("tool_results", m.ToolResults)
	if err != nil {
		return err
	}
	usage, err := jsonbValue("usage", m.Usage)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO causal_messages (
			id, session_id, role, content, reasoning, attachments, tool_results,
			usage, cost, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.conn(ctx).Exec(ctx, query,
		m.ID,
		m.SessionID,
		string(m.Role),
		m.Content,
		m.Reasoning,
		attachments,
		toolResults,
		usage,
		m.Cost,
		string(m.Status),
		m.CreatedAt,
		m.UpdatedAt,
	)
	return err
}

// UpdateMessage writes the set fields of patch; NULL parameters keep the
// stored value.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	toolResults, err := jsonbList("tool_results", patch.ToolResults)
	if err != nil {
		return err
	}
	usage, err := jsonbValue("usage", patch.Usage)
	if err != nil {
		return err
	}
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	query := `
		UPDATE causal_messages
		SET content = COALESCE($2, content),
			reasoning = COALESCE($3, reasoning),
			tool_results = COALESCE($4, tool_results),
			usage = COALESCE($5, usage),
			cost = COALESCE($6, cost),
			status = COALESCE($7, status),
			updated_at = $8
		WHERE id = $1`

	tag, err := s.conn(ctx).Exec(ctx, query,
		id,
		patch.Content,
		patch.Reasoning,
		toolResults,
		usage,
		patch.Cost,
		status,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m           models.Message
		role        string
		status      string
		attachments []byte
		toolResults []byte
		usage       []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.SessionID,
		&role,
		&m.Content,
		&m.Reasoning,
		&attachments,
		&toolResults,
		&usage,
		&m.Cost,
		&status,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Role = models.MessageRole(role)
	m.Status = models.MessageStatus(status)

	if err := decodeJSONB(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
	}
	if err := decodeJSONB(toolResults, &m.ToolResults); err != nil {
		return nil, fmt.Errorf("decode tool results of %s: %w", m.ID, err)
	}
	if err := decodeJSONB(usage, &m.Usage); err != nil {
		return nil, fmt.Errorf("decode usage of %s: %w", m.ID, err)
	}
	return &m, nil
}
