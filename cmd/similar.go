package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/render"
)

var similarCmd = &cobra.Command{
	Use:   "similar [query]",
	Short: "Find earlier image prompts similar to a query",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		k, _ := cmd.Flags().GetInt("k")
		chatID, _ := cmd.Flags().GetString("chat")
		reindex, _ := cmd.Flags().GetBool("reindex")

		if !reindex && len(args) == 0 {
			return fmt.Errorf("a query is required unless --reindex is set")
		}

		index, err := openIndex(config.Get())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if reindex {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			chats, err := s.ListChats(ctx)
			if err != nil {
				return err
			}
			total := 0
			for _, c := range chats {
				if chatID != "" && c.ID != chatID {
					continue
				}
				sess, err := s.LoadSession(ctx, c.ID)
				if err != nil {
					return err
				}
				reg, err := sess.Registry()
				if err != nil {
					return err
				}
				nodes := reg.Nodes()
				if err := index.Add(ctx, c.ID, nodes); err != nil {
					return fmt.Errorf("failed to index chat %s: %w", c.ID, err)
				}
				total += len(nodes)
			}
			fmt.Fprintf(out, "indexed %d prompt(s), %d in the index\n", total, index.Count())
			if len(args) == 0 {
				return nil
			}
		}

		matches, err := index.Search(ctx, args[0], k, chatID)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Fprintln(out, "No similar prompts found")
			return nil
		}

		st := render.DefaultStyles()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tCHAT\tPROMPT\tMESSAGE\tTEXT")
		for _, m := range matches {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%d\t%s\n",
				m.Similarity, m.ChatID, m.PromptID, m.MessageID, st.Prompt.Render(m.Text))
		}
		return w.Flush()
	},
}

func init() {
	similarCmd.Flags().IntP("k", "k", 5, "number of results")
	similarCmd.Flags().String("chat", "", "limit to one chat")
	similarCmd.Flags().Bool("reindex", false, "index every stored prompt before searching")
	rootCmd.AddCommand(similarCmd)
}
