package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

const messageColumns = `id, session_id, role, content, reasoning, attachments, tool_results,
		usage, cost, status, created_at, updated_at`

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+`
			FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
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
	m, err := scanMessage(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	attachments, err := marshalSlice(m.Attachments)
	if err != nil {
		return err
	}
	toolResults, err := marshalSlice(m.ToolResults)
	if err != nil {
		return err
	}
	var usage []byte
	if m.Usage != nil {
		if usage, err = json.Marshal(m.Usage); err != nil {
			return err
		}
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (`+placeholders(12)+`)`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.Reasoning,
		jsonText(attachments), jsonText(toolResults), jsonText(usage),
		m.Cost, string(m.Status), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

// UpdateMessage writes the set fields of patch and leaves the rest alone.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error {
	toolResults, err := marshalSlice(patch.ToolResults)
	if err != nil {
		return err
	}
	var usage []byte
	if patch.Usage != nil {
		if usage, err = json.Marshal(patch.Usage); err != nil {
			return err
		}
	}
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE messages
		SET content = COALESCE(?, content),
			reasoning = COALESCE(?, reasoning),
			tool_results = COALESCE(?, tool_results),
			usage = COALESCE(?, usage),
			cost = COALESCE(?, cost),
			status = COALESCE(?, status),
			updated_at = ?
		WHERE id = ?`,
		nullable(patch.Content), nullable(patch.Reasoning),
		jsonText(toolResults), jsonText(usage),
		nullable(patch.Cost), status,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                               models.Message
		role, status                    string
		attachments, toolResults, usage sql.NullString
		created, updated                string
	)
	if err := row.Scan(
		&m.ID, &m.SessionID, &role, &m.Content, &m.Reasoning,
		&attachments, &toolResults, &usage,
		&m.Cost, &status, &created, &updated,
	); err != nil {
		return nil, err
	}
	m.Role = models.MessageRole(role)
	m.Status = models.MessageStatus(status)

	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	if toolResults.Valid {
		if err := json.Unmarshal([]byte(toolResults.String), &m.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results of %s: %w", m.ID, err)
		}
	}
	if usage.Valid {
		m.Usage = new(models.Usage)
		if err := json.Unmarshal([]byte(usage.String), m.Usage); err != nil {
			return nil, fmt.Errorf("decode usage of %s: %w", m.ID, err)
		}
	}
	if err := parseTimes(&m.CreatedAt, &m.UpdatedAt, created, updated); err != nil {
		return nil, err
	}
	return &m, nil
}

func marshalSlice[T any](v []T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// nullable turns an unset pointer into SQL NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
