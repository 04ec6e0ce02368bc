package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/longregen/causal/internal/adapters/id"
	"github.com/longregen/causal/internal/application/chat"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/spf13/cobra"
)

// chatCmd runs turns in-process against the configured database
func chatCmd() *cobra.Command {
	var (
		opts        chat.TurnOptions
		retryID     string
		attachments []string
		noStream    bool
		agentID     string
		topic       string
	)

	cmd := &cobra.Command{
		Use:   "chat [session-id] [message]",
		Short: "Chat with a session's agent",
		Long: `Send a message to a session and print the streamed reply.
Without a message, read messages from stdin until 'exit' or 'quit'.
With --agent, start a new session for that agent instead of naming one.
With --retry, regenerate an existing assistant message instead.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts.Stream = !noStream

			store, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			supervisor := newSupervisor(store)
			defer supervisor.Wait()

			var sessionID string
			switch {
			case agentID != "":
				if len(args) > 1 {
					return fmt.Errorf("with --agent, pass only the message")
				}
				if topic == "" {
					topic = fmt.Sprintf("Chat %s", time.Now().Format("2006-01-02 15:04"))
				}
				session := models.NewSession(id.New().GenerateSessionID(), agentID, topic)
				if err := store.SaveSession(ctx, session); err != nil {
					return fmt.Errorf("failed to create session: %w", err)
				}
				fmt.Printf("Started session %s\n", session.ID)
				sessionID = session.ID
			case len(args) > 0:
				sessionID, args = args[0], args[1:]
			default:
				return fmt.Errorf("a session id or --agent is required")
			}

			send := func(message models.Message) error {
				return runTurn(ctx, supervisor, chat.TurnRequest{
					SessionID: sessionID,
					Message:   message,
					Options:   opts,
				})
			}

			if retryID != "" {
				return send(models.Message{ID: retryID})
			}

			files, err := readAttachments(attachments)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				return send(models.Message{Content: args[0], Attachments: files})
			}

			fmt.Println("Type your message and press Enter. Type 'exit' or 'quit' to end the conversation.")
			fmt.Println(strings.Repeat("-", 80))

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("You: ")
				if !scanner.Scan() {
					break
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
					break
				}
				if err := send(models.Message{Content: input, Attachments: files}); err != nil {
					return err
				}
				// Attachments only go with the first message.
				files = nil
				fmt.Println()
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "start a new session for this agent")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic of the new session (with --agent)")
	cmd.Flags().StringVar(&retryID, "retry", "", "regenerate this assistant message")
	cmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "files to attach to the first message")
	cmd.Flags().BoolVar(&opts.Search, "search", false, "use the configured web search")
	cmd.Flags().BoolVar(&opts.IncludeTime, "time", false, "tell the model the current time")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "request whole responses instead of streams")

	return cmd
}

// runTurn prints one turn's events. The first interrupt cancels the turn;
// the turn still runs until its current round is done.
func runTurn(ctx context.Context, supervisor *chat.Supervisor, req chat.TurnRequest) error {
	events, err := supervisor.StartTurn(ctx, req)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	var assistantID string
	for {
		select {
		case <-sigChan:
			if assistantID != "" && supervisor.Cancel(assistantID) {
				fmt.Fprintln(os.Stderr, "\n[cancelling after the current round]")
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case models.EventAssistantMessage, models.EventRetryAssistantMessage:
				assistantID = ev.Message.ID
				fmt.Print("Assistant: ")
			case models.EventReasoningContent:
				fmt.Fprint(os.Stderr, ev.Content)
			case models.EventContent:
				fmt.Print(ev.Content)
			case models.EventTool:
				fmt.Printf("\n[%s(%s) -> %s]\n", ev.Tool.Name, ev.Tool.Arguments, ev.Tool.Result)
			case models.EventFinished:
				s := ev.Finished
				fmt.Printf("\n\n(%s: %d prompt + %d completion tokens, %dms)\n",
					assistantID, s.PromptTokens, s.CompletionTokens, s.Cost)
			}
		}
	}
}

func readAttachments(paths []string) ([]models.Attachment, error) {
	files := make([]models.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		files = append(files, models.Attachment{Name: filepath.Base(p), Data: string(data)})
	}
	return files, nil
}
