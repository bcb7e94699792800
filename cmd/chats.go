package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/render"
	"github.com/killallgit/promptcanvas/pkg/store"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List stored chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		chats, err := s.ListChats(cmd.Context())
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No chats found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, c := range chats {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.GetChat(ctx, args[0])
		if err != nil {
			return err
		}
		messages, err := s.Messages(ctx, c.ID)
		if err != nil {
			return err
		}

		st := render.DefaultStyles()
		color, _ := cmd.Flags().GetBool("color")
		out := cmd.OutOrStdout()
		title := c.Title
		if title == "" {
			title = c.ID
		}
		fmt.Fprintln(out, st.Title.Render(title))
		for _, m := range messages {
			fmt.Fprintln(out, st.Label.Render(fmt.Sprintf("[%d] %s", m.Index, m.Role)))
			content := m.Content
			if color {
				content = render.Highlight(content, "html")
			}
			fmt.Fprintln(out, content)
			fmt.Fprintln(out)
		}
		return nil
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat, its messages and its indexed prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Get()
		chatID := args[0]

		lock, err := store.LockChat(ctx, cfg.Store.Path, chatID)
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

		if err := s.DeleteChat(ctx, chatID); err != nil {
			return err
		}

		if cfg.Similar.Enabled && reg.Len() > 0 {
			index, err := openIndex(cfg)
			if err != nil {
				return err
			}
			var ids []string
			for _, n := range reg.Nodes() {
				ids = append(ids, n.ID)
			}
			if err := index.Remove(ctx, chatID, ids...); err != nil {
				return fmt.Errorf("chat deleted but its prompts are still indexed: %w", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted chat %s\n", chatID)
		return nil
	},
}

func init() {
	chatsShowCmd.Flags().Bool("color", false, "highlight message markup")

	chatsCmd.AddCommand(chatsShowCmd, chatsDeleteCmd)
	rootCmd.AddCommand(chatsCmd)
}
