package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "spons-match",
	Short: "Match voice survey observations to SPONS catalogue items",
	Long:  "Splits surveyor transcripts into observations, refines them into QS language, retrieves SPONS candidates by embedding similarity and lets a verified agent choose one, with an audited review loop for quantity surveyors.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
