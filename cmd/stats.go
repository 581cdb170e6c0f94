package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/verity/internal/ledger"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the stored snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		snaps, _, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer snaps.Close()

		if err := snaps.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate snapshot store")
		}

		ld, err := ledger.Load(ctx, snaps)
		if err != nil {
			return err
		}
		stats := ld.Stats()

		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Snapshot:\t%s\n", stats.Version)
		_, _ = fmt.Fprintf(w, "Facts:\t%d\n", stats.Facts)
		_, _ = fmt.Fprintf(w, "Chunks:\t%d\n", stats.Chunks)
		_, _ = fmt.Fprintf(w, "Aliases:\t%d\n", stats.Aliases)
		_, _ = fmt.Fprintf(w, "Entities:\t%d\n", stats.Entities)
		_, _ = fmt.Fprintf(w, "Metrics:\t%d\n", stats.Metrics)
		_, _ = fmt.Fprintf(w, "Vocab vectors:\t%d\n", stats.VocabVectors)
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
	rootCmd.AddCommand(statsCmd)
}
