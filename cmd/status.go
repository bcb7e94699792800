package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/limiter"
	"github.com/killallgit/promptcanvas/pkg/ollama"
	"github.com/killallgit/promptcanvas/pkg/render"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		st := render.DefaultStyles()
		out := cmd.OutOrStdout()

		l := limiter.New(limiter.Config{
			MaxConcurrent: cfg.Generation.MaxConcurrent,
			MinInterval:   cfg.Generation.MinInterval(),
		})
		ls := l.Status()
		fmt.Fprintln(out, render.KeyValues(st, "Generation", [][2]string{
			{"image api", cfg.ImageAPI.URL},
			{"max concurrent", strconv.Itoa(ls.MaxConcurrent)},
			{"min interval", ls.MinInterval.String()},
			{"max attempts", strconv.Itoa(cfg.Generation.MaxAttempts)},
			{"barrier timeout", durationOrNever(cfg.Barrier.Timeout)},
			{"poll interval", cfg.Monitor.PollInterval.String()},
		}))

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		fmt.Fprintln(out, render.KeyValues(st, "Ollama", ollamaRows(ctx, st, cfg)))

		chats := st.Muted.Render("unavailable")
		if s, err := openStore(); err == nil {
			if list, err := s.ListChats(ctx); err == nil {
				chats = strconv.Itoa(len(list))
			}
			s.Close()
		}
		fmt.Fprintln(out, render.KeyValues(st, "Store", [][2]string{
			{"path", cfg.Store.Path},
			{"chats", chats},
			{"config", configFile()},
		}))
		return nil
	},
}

func ollamaRows(ctx context.Context, st render.Styles, cfg *config.Config) [][2]string {
	rows := [][2]string{{"url", cfg.Ollama.URL}}

	health := ollama.NewClient(cfg.Ollama.URL).CheckHealth(ctx)
	if !health.Available {
		return append(rows, [2]string{"server", st.Bad.Render(fmt.Sprintf("unreachable: %v", health.Error))})
	}
	rows = append(rows, [2]string{"server", st.Good.Render(fmt.Sprintf("ok, %d models", len(health.Models)))})

	check := func(name string) string {
		if ollama.HasModel(health.Models, name) {
			return st.Good.Render(name)
		}
		return st.Warning.Render(name + " (not pulled)")
	}
	rows = append(rows, [2]string{"chat model", check(cfg.Ollama.Model)})
	if cfg.Similar.Enabled {
		rows = append(rows, [2]string{"embedder", check(cfg.Similar.EmbedderModel)})
	}
	return rows
}

func durationOrNever(d time.Duration) string {
	if d == 0 {
		return "never"
	}
	return d.String()
}

func configFile() string {
	if used := config.GetConfigFileUsed(); used != "" {
		return used
	}
	return "defaults"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
