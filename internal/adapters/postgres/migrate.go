package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
