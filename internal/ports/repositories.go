package ports

import (
	"context"
	"errors"

	"github.com/longregen/causal/internal/domain/models"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConfigRepository reads the configuration records a turn is built from.
type ConfigRepository interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	// GetTools returns the tools with the given ids in the order requested.
	// Unknown ids are skipped.
	GetTools(ctx context.Context, ids []string) ([]*models.ToolConfig, error)
	// GetSearchConfig returns nil, nil when no search engine is configured.
	GetSearchConfig(ctx context.Context) (*models.SearchConfig, error)
}

// ConfigWriter persists configuration records. Used by the CLI seeding
// commands, not by the engine.
type ConfigWriter interface {
	SaveSession(ctx context.Context, session *models.Session) error
	SaveAgent(ctx context.Context, agent *models.Agent) error
	SaveProvider(ctx context.Context, provider *models.Provider) error
	SaveTool(ctx context.Context, tool *models.ToolConfig) error
	SaveSearchConfig(ctx context.Context, search *models.SearchConfig) error
}

// MessageRepository stores conversation messages.
type MessageRepository interface {
	// RecentMessages returns up to limit of the newest messages of a session,
	// oldest first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	InsertMessage(ctx context.Context, message *models.Message) error
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) error
}

// Store is everything the conversation engine needs from persistence.
type Store interface {
	ConfigRepository
	MessageRepository
}

// IDGenerator generates unique prefixed IDs.
type IDGenerator interface {
	// GenerateMessageID generates a new message ID (msg_xxx)
	GenerateMessageID() string

	// GenerateSessionID generates a new session ID (ses_xxx)
	GenerateSessionID() string

	// GenerateToolCallID generates an ID for tool calls the provider left unnamed (call_xxx)
	GenerateToolCallID() string
}
