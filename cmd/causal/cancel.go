package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// cancelCmd asks a running server to stop a turn
func cancelCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "cancel <message-id>",
		Short: "Cancel a turn running on a server",
		Long: `Cancel the turn streaming into the given assistant message. The turn
stops after its current round and still reports its final usage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			return cancelTurn(cmd.Context(), http.DefaultClient, server, args[0])
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (default http://localhost:<port>)")
	return cmd
}

func cancelTurn(ctx context.Context, client *http.Client, server, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(server, "/") + "/api/turns/" + url.PathEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("cancellation requested for %s\n", messageID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no turn is running for %s", messageID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
