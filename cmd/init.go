package cmd

import (
	"github.com/spf13/cobra"

	"github.com/killallgit/promptcanvas/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .promptcanvas/settings.yaml with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.InitializeDefaults()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
