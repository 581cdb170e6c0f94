package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/pkg/jina"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed the metric vocabulary for similarity search",
	Long:  "Embeds every distinct metric name in the stored snapshot and persists the vectors. Until this runs, metric selection falls back to lexical matching.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("index"); err != nil {
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

		vocab := ld.Vocabulary()
		if len(vocab) == 0 {
			return eris.New("snapshot has no metric vocabulary, run ingest first")
		}

		embedClient := jina.NewClient(cfg.Jina.Key, jinaOptions()...)
		vecs, err := embedClient.Embed(ctx, vocab)
		if err != nil {
			return eris.Wrap(err, "embed vocabulary")
		}
		if len(vecs) != len(vocab) {
			return eris.Errorf("embedder returned %d vectors for %d metrics", len(vecs), len(vocab))
		}

		entries := make([]ledger.VocabEntry, len(vocab))
		for i, metric := range vocab {
			entries[i] = ledger.VocabEntry{Metric: metric, Vector: vecs[i]}
		}
		if err := snaps.SaveVocab(ctx, entries); err != nil {
			return eris.Wrap(err, "save vocabulary vectors")
		}

		zap.L().Info("vocabulary indexed",
			zap.Int("metrics", len(entries)),
			zap.Int("dimensions", len(vecs[0])),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
