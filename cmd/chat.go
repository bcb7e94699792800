package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/chat"
	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/ollama"
	"github.com/killallgit/promptcanvas/pkg/tokens"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the model and illustrate its replies",
	Long: `Send a message, or start an interactive session when no message is given.
Replies stream to the terminal; image prompts in them are generated while
the reply streams and inserted once it is complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		cfg := config.Get()
		available, err := ollama.NewClient(cfg.Ollama.URL).CheckModel(ctx, cfg.Ollama.Model)
		if err != nil {
			return err
		}
		if !available {
			return fmt.Errorf("model %s is not available, run: ollama pull %s", cfg.Ollama.Model, cfg.Ollama.Model)
		}

		chatID, _ := cmd.Flags().GetString("chat")
		title, _ := cmd.Flags().GetString("title")
		sess, err := openSession(ctx, chatID, title)
		if err != nil {
			return err
		}
		defer sess.Close()

		model, err := chat.NewOllamaModel(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.Timeout)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		opts := []chat.Option{
			chat.WithSystemPrompt(cfg.Ollama.SystemPrompt),
			chat.WithChunkHandler(func(s string) { fmt.Fprint(out, s) }),
		}
		if cfg.Ollama.ContextTokens > 0 {
			counter, err := tokens.NewTokenCounter(cfg.Ollama.Model)
			if err != nil {
				logger.WithComponent("cmd").Warn("Token encoding unavailable, estimating", "error", err)
				counter = tokens.NewEstimator()
			}
			opts = append(opts, chat.WithContextWindow(counter, cfg.Ollama.ContextTokens))
		}
		conv := chat.NewConversation(model, sess.transcript, sess.orch, opts...)

		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("chat "+sess.transcript.ChatID()))

		if len(args) > 0 {
			return send(ctx, cmd, conv, strings.Join(args, " "))
		}

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			if err := send(ctx, cmd, conv, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(err.Error()))
			}
		}
	},
}

func send(ctx context.Context, cmd *cobra.Command, conv *chat.Conversation, text string) error {
	reply, err := conv.Send(ctx, text)
	fmt.Fprintln(cmd.OutOrStdout())
	if reply != nil && reply.Result.Inserted > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render(
			fmt.Sprintf("inserted %d image(s) into message %d", reply.Result.Inserted, reply.Index)))
	}
	return err
}

func init() {
	chatCmd.Flags().String("chat", "", "continue an existing chat (default creates a new one)")
	chatCmd.Flags().String("title", "", "title for a new chat")
	rootCmd.AddCommand(chatCmd)
}
