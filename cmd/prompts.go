package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/registry"
	"github.com/killallgit/promptcanvas/pkg/render"
	"github.com/killallgit/promptcanvas/pkg/store"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and maintain a chat's image prompts",
}

// loadRegistry reads a chat's prompt registry without locking the chat
func loadRegistry(ctx context.Context, chatID string) (*host.Session, *registry.Registry, error) {
	s, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	sess, err := s.LoadSession(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	reg, err := sess.Registry()
	if err != nil {
		return nil, nil, err
	}
	return sess, reg, nil
}

var promptsTreeCmd = &cobra.Command{
	Use:   "tree <chat-id>",
	Short: "Show every prompt, its refinements and images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := loadRegistry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		st := render.DefaultStyles()
		if plain, _ := cmd.Flags().GetBool("plain"); plain {
			st = render.PlainStyles()
		}
		return render.Tree(cmd.OutOrStdout(), reg, st)
	},
}

var promptsExportCmd = &cobra.Command{
	Use:   "export <chat-id>",
	Short: "Print the prompt registry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := loadRegistry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(reg, "", "  ")
		if err != nil {
			return err
		}

		out := string(data)
		if color, _ := cmd.Flags().GetBool("color"); color {
			out = render.Highlight(out, "json")
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var promptsCheckCmd = &cobra.Command{
	Use:   "check <chat-id>",
	Short: "Verify the prompt tree is consistent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := loadRegistry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := reg.Validate(); err != nil {
			return fmt.Errorf("prompt tree is inconsistent: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), render.DefaultStyles().Good.Render(
			fmt.Sprintf("%d prompts, tree is consistent", reg.Len())))
		return nil
	},
}

var promptsPruneCmd = &cobra.Command{
	Use:   "prune <chat-id>",
	Short: "Remove root prompts that have no images and no refinements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chatID := args[0]

		lock, err := store.LockChat(ctx, config.Get().Store.Path, chatID)
		if err != nil {
			return err
		}
		defer lock.Unlock()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.LoadSession(ctx, chatID)
		if err != nil {
			return err
		}
		reg, err := sess.Registry()
		if err != nil {
			return err
		}

		removed := reg.PruneOrphans()
		if removed > 0 {
			metadata, err := sess.Metadata()
			if err != nil {
				return err
			}
			if err := s.SaveMetadata(ctx, chatID, metadata); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d prompt(s)\n", removed)
		return nil
	},
}

func init() {
	promptsTreeCmd.Flags().Bool("plain", false, "disable colors")
	promptsExportCmd.Flags().Bool("color", false, "syntax highlight the JSON")

	promptsCmd.AddCommand(promptsTreeCmd, promptsExportCmd, promptsCheckCmd, promptsPruneCmd)
	rootCmd.AddCommand(promptsCmd)
}
