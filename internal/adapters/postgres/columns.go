package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/causal/internal/ports"
)

// queryTimeout bounds a single store call when the caller set no deadline.
const queryTimeout = 30 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, queryTimeout)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.ErrNotFound
	}
	return err
}

// jsonbValue encodes a nullable JSONB column. A nil pointer is stored as NULL,
// which UpdateMessage's COALESCE reads as "leave unchanged".
func jsonbValue[T any](column string, value *T) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", column, err)
	}
	return b, nil
}

// jsonbList encodes a JSONB array column; nil stays NULL, empty is "[]".
func jsonbList[T any](column string, values []T) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", column, err)
	}
	return b, nil
}

// decodeJSONB fills target from a scanned column. NULL leaves target as is,
// so a *T target stays nil.
func decodeJSONB(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
