package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/chat"
	"github.com/killallgit/promptcanvas/pkg/orchestrator"
	"github.com/killallgit/promptcanvas/pkg/queue"
	"github.com/killallgit/promptcanvas/pkg/refine"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

var refineCmd = &cobra.Command{
	Use:   "refine <prompt-id> [feedback]",
	Short: "Create a refined version of an image prompt",
	Long: `Refine adds a new version of a prompt to its tree. With --edit the given
text is used as is; otherwise the chat model rewrites the prompt using the
feedback.

--apply rewrites the prompt marker in the message to the new text, and
--generate also produces an image for it.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRefine,
}

func runRefine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatID, _ := cmd.Flags().GetString("chat")
	edit, _ := cmd.Flags().GetString("edit")
	apply, _ := cmd.Flags().GetBool("apply")
	generate, _ := cmd.Flags().GetBool("generate")
	if chatID == "" {
		return fmt.Errorf("--chat is required")
	}

	promptID := args[0]
	feedback := ""
	if len(args) > 1 {
		feedback = args[1]
	}
	if edit == "" && feedback == "" {
		return fmt.Errorf("feedback or --edit text is required")
	}

	s, err := openSession(ctx, chatID, "")
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := s.transcript.Session().Registry()
	if err != nil {
		return err
	}

	var node registry.Node
	if edit != "" {
		node, err = reg.Refine(promptID, edit, feedback, registry.SourceUserEdited)
	} else {
		model, modelErr := chat.NewOllamaModel(s.cfg.Ollama.URL, s.cfg.Ollama.Model, s.cfg.Ollama.Timeout)
		if modelErr != nil {
			return modelErr
		}
		node, err = refine.New(model).Refine(ctx, reg, promptID, feedback)
	}
	if err != nil {
		return err
	}
	if err := s.transcript.PersistMetadata(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", infoStyle.Render(node.ID), node.Text)

	if !apply && !generate {
		return nil
	}

	text, err := s.transcript.ReadMessageText(ctx, node.MessageID)
	if err != nil {
		return err
	}
	updated, err := reg.ReplaceTextAtPosition(node.ID, text, node.Text, s.patterns)
	if err != nil {
		return err
	}
	if err := s.transcript.WriteMessageText(ctx, node.MessageID, updated); err != nil {
		return err
	}
	if err := s.transcript.PersistChat(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("updated marker in message %d", node.MessageID)))

	if !generate {
		return nil
	}

	result, err := s.orch.Regenerate(ctx, node.MessageID, orchestrator.RegenRequest{
		PromptID: node.ID,
		Mode:     queue.InsertAfterPrompt,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "inserted %d image(s)\n", result.Inserted)
	return nil
}

func init() {
	refineCmd.Flags().String("chat", "", "chat the prompt belongs to")
	refineCmd.Flags().String("edit", "", "use this text instead of asking the model")
	refineCmd.Flags().Bool("apply", false, "rewrite the prompt marker in the message")
	refineCmd.Flags().Bool("generate", false, "apply and generate an image for the new version")
	rootCmd.AddCommand(refineCmd)
}
