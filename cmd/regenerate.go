package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/orchestrator"
	"github.com/killallgit/promptcanvas/pkg/queue"
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Generate a new image for a prompt already in a message",
	Example: `  promptcanvas regenerate --chat 3f1c... --message 1 --prompt 9a2b4c6d8e0f1a2b
  promptcanvas regenerate --chat 3f1c... --message 1 --image /images/old.png --mode append-after-image`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		chatID, _ := cmd.Flags().GetString("chat")
		index, _ := cmd.Flags().GetInt("message")
		promptID, _ := cmd.Flags().GetString("prompt")
		image, _ := cmd.Flags().GetString("image")
		modeName, _ := cmd.Flags().GetString("mode")

		if chatID == "" {
			return fmt.Errorf("--chat is required")
		}
		if promptID == "" && image == "" {
			return fmt.Errorf("--prompt or --image is required")
		}
		mode, ok := queue.ParseInsertionMode(modeName)
		if !ok {
			return fmt.Errorf("unknown mode %q", modeName)
		}

		s, err := openSession(ctx, chatID, "")
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.orch.Regenerate(ctx, index, orchestrator.RegenRequest{
			PromptID:       promptID,
			TargetImageURL: image,
			Mode:           mode,
		})
		if err != nil {
			return err
		}

		switch {
		case result.Inserted > 0:
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d image(s) into message %d\n", result.Inserted, index)
		case result.AlreadyPresent > 0:
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("image already present"))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("image could not be placed in the message"))
		}
		return nil
	},
}

func init() {
	regenerateCmd.Flags().String("chat", "", "chat to work on")
	regenerateCmd.Flags().Int("message", 0, "index of the message holding the prompt")
	regenerateCmd.Flags().String("prompt", "", "id of the prompt to generate")
	regenerateCmd.Flags().String("image", "", "existing image to regenerate")
	regenerateCmd.Flags().String("mode", "", "replace-image, append-after-image or append-after-prompt")
	rootCmd.AddCommand(regenerateCmd)
}
