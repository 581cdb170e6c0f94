package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
)

var (
	cfg     *config.Config
	cfgFile string

	// exitCode lets commands signal handled non-success outcomes (an
	// abstained answer is not an error). main applies it after cobra
	// unwinds so PersistentPostRun still flushes the logger.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "verity",
	Short: "Verified numerical answers from ingested financial filings",
	Long:  "Answers questions against an extracted fact ledger: plans retrieval, computes in a sealed interpreter, and reports nothing an independent audit pass cannot verify against the cited evidence.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
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
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME/.verity, /etc/verity)")
}
