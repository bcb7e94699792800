package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "promptcanvas",
	Short: "Illustrate chat replies as they stream",
	Long: `promptcanvas chats with a local model and turns the image prompts the
model embeds in its replies into generated images, spliced into the reply
once it has finished streaming.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(cfgFile); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return logger.Init()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .promptcanvas/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("store", "", "chat database path")
	viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store"))
}
