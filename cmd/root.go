package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "opptrack",
	Short: "Government contract opportunity tracker",
	Long:  "Aggregates contract and grant opportunities from federal APIs, news, and AI research into one scored pipeline, with cached analysis and API spend tracking.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
