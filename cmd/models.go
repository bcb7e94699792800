package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/ollama"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models available on the Ollama server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := ollama.NewClient(config.Get().Ollama.URL)
		running, _ := cmd.Flags().GetBool("running")

		var (
			models []ollama.Model
			err    error
		)
		if running {
			var resp *ollama.PsResponse
			if resp, err = client.Ps(cmd.Context()); err == nil {
				models = resp.Models
			}
		} else {
			var resp *ollama.TagsResponse
			if resp, err = client.Tags(cmd.Context()); err == nil {
				models = resp.Models
			}
		}
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}
		return writeModels(cmd.OutOrStdout(), models)
	},
}

func writeModels(writer io.Writer, models []ollama.Model) error {
	if len(models) == 0 {
		fmt.Fprintln(writer, "No models found")
		return nil
	}

	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tPARAMETER SIZE\tQUANTIZATION")
	for _, model := range models {
		sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
		fmt.Fprintf(w, "%s\t%.1fGB\t%s\t%s\n",
			model.Name,
			sizeGB,
			model.Details.ParameterSize,
			model.Details.QuantizationLevel)
	}
	return w.Flush()
}

func init() {
	modelsCmd.Flags().Bool("running", false, "only list models loaded in memory")
	rootCmd.AddCommand(modelsCmd)
}
