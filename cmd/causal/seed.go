package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/longregen/causal/internal/adapters/id"
	"github.com/longregen/causal/internal/domain"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/spf13/cobra"
)

// seedFile is the JSON document accepted by `causal seed`. Records without
// an id get a generated one.
type seedFile struct {
	Providers []*models.Provider   `json:"providers"`
	Tools     []*models.ToolConfig `json:"tools"`
	Agents    []*models.Agent      `json:"agents"`
	Sessions  []*models.Session    `json:"sessions"`
	Search    *models.SearchConfig `json:"search,omitempty"`
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Create or update providers, tools, agents and sessions",
		Long: `Load providers, tools, agents, sessions and the web search settings from a
JSON file. Records are upserted by id inside a single transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var seed seedFile
			if err := json.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			store, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := applySeed(ctx, store, id.New(), &seed, time.Now().UTC()); err != nil {
				return err
			}

			for _, p := range seed.Providers {
				fmt.Printf("provider %-28s %s\n", p.ID, p.Name)
			}
			for _, t := range seed.Tools {
				fmt.Printf("tool     %-28s %s (%s)\n", t.ID, t.Name, t.Kind)
			}
			for _, a := range seed.Agents {
				fmt.Printf("agent    %-28s %s\n", a.ID, a.Name)
			}
			for _, s := range seed.Sessions {
				fmt.Printf("session  %-28s %s\n", s.ID, s.Topic)
			}
			return nil
		},
	}
}

type seedIDs interface {
	GenerateProviderID() string
	GenerateToolID() string
	GenerateAgentID() string
	GenerateSessionID() string
}

func applySeed(ctx context.Context, store appStore, ids seedIDs, seed *seedFile, now time.Time) error {
	if err := validateSeed(seed); err != nil {
		return err
	}

	stamp := func(created, updated *time.Time) {
		if created.IsZero() {
			*created = now
		}
		*updated = now
	}

	return store.WithTransaction(ctx, func(ctx context.Context) error {
		for _, p := range seed.Providers {
			if p.ID == "" {
				p.ID = ids.GenerateProviderID()
			}
			stamp(&p.CreatedAt, &p.UpdatedAt)
			if err := store.SaveProvider(ctx, p); err != nil {
				return fmt.Errorf("save provider %s: %w", p.ID, err)
			}
		}
		for _, t := range seed.Tools {
			if t.ID == "" {
				t.ID = ids.GenerateToolID()
			}
			stamp(&t.CreatedAt, &t.UpdatedAt)
			if err := store.SaveTool(ctx, t); err != nil {
				return fmt.Errorf("save tool %s: %w", t.ID, err)
			}
		}
		for _, a := range seed.Agents {
			if a.ID == "" {
				a.ID = ids.GenerateAgentID()
			}
			stamp(&a.CreatedAt, &a.UpdatedAt)
			if err := store.SaveAgent(ctx, a); err != nil {
				return fmt.Errorf("save agent %s: %w", a.ID, err)
			}
		}
		for _, s := range seed.Sessions {
			if s.ID == "" {
				s.ID = ids.GenerateSessionID()
			}
			stamp(&s.CreatedAt, &s.UpdatedAt)
			if err := store.SaveSession(ctx, s); err != nil {
				return fmt.Errorf("save session %s: %w", s.ID, err)
			}
		}
		if seed.Search != nil {
			if err := store.SaveSearchConfig(ctx, seed.Search); err != nil {
				return fmt.Errorf("save search settings: %w", err)
			}
		}
		return nil
	})
}

func validateSeed(seed *seedFile) error {
	for _, t := range seed.Tools {
		if t.Name == "" {
			return domain.NewDomainError(domain.ErrInvalidInput, "tool name is required")
		}
		if !t.Kind.Valid() {
			return domain.Errorf(domain.ErrInvalidInput, "tool %s has unknown kind %q", t.Name, t.Kind)
		}
	}
	for _, p := range seed.Providers {
		if p.URL == "" {
			return domain.Errorf(domain.ErrInvalidInput, "provider %q needs a url", p.Name)
		}
	}
	for _, s := range seed.Sessions {
		if s.AgentID == "" {
			return domain.Errorf(domain.ErrInvalidInput, "session %q needs an agentId", s.Topic)
		}
	}
	return nil
}
