package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/store"
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Inspect persisted query traces",
	Long:  "Commands for listing, viewing, and summarizing the audit trail of answered queries.",
}

// -- traces list --

var tracesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List query traces",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, closeStore, err := initTraceStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		session, _ := cmd.Flags().GetString("session")
		decision, _ := cmd.Flags().GetString("decision")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.TraceFilter{
			SessionID: session,
			Decision:  model.Decision(decision),
			Limit:     limit,
		}

		traces, err := st.ListTraces(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "traces list")
		}

		if len(traces) == 0 {
			fmt.Fprintln(os.Stderr, "No traces found.")
			return nil
		}

		formatTracesList(os.Stdout, traces)
		return nil
	},
}

// -- traces show --

var tracesShowCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Show the full audit record of a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, closeStore, err := initTraceStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		trace, err := st.GetTrace(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "traces show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(trace)
	},
}

// -- traces stats --

var tracesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate answer-rate statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, closeStore, err := initTraceStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		traces, err := st.ListTraces(ctx, store.TraceFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "traces stats")
		}

		formatTraceStats(os.Stdout, computeTraceStats(traces))
		return nil
	},
}

func init() {
	tracesListCmd.Flags().String("session", "", "filter by session id")
	tracesListCmd.Flags().String("decision", "", "filter by gate decision (PASS, ABSTAIN)")
	tracesListCmd.Flags().Int("limit", 50, "max number of traces to display")

	tracesCmd.AddCommand(tracesListCmd)
	tracesCmd.AddCommand(tracesShowCmd)
	tracesCmd.AddCommand(tracesStatsCmd)
	rootCmd.AddCommand(tracesCmd)
}

// initTraceStore opens and migrates the trace store only. The returned
// close function also releases the underlying snapshot store handle.
func initTraceStore(ctx context.Context) (store.Store, func(), error) {
	if err := cfg.Validate("ingest"); err != nil {
		return nil, nil, err
	}

	snaps, traces, err := openStores(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		_ = traces.Close()
		_ = snaps.Close()
	}

	if err := traces.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, eris.Wrap(err, "migrate trace store")
	}
	return traces, closeAll, nil
}

// traceStats holds aggregate statistics computed from a set of traces.
type traceStats struct {
	Total       int
	Pass        int
	Abstain     int
	MetricGap   int
	EmptyScope  int
	Reasoning   int
	Execution   int
	Computed    int
	AvgSentinel float64
}

// computeTraceStats aggregates gate decisions, failure kinds, and sentinel
// scores over a list of traces.
func computeTraceStats(traces []model.Trace) traceStats {
	var s traceStats
	s.Total = len(traces)

	var scoreSum float64
	var scored int

	for _, t := range traces {
		switch t.Decision {
		case model.DecisionPass:
			s.Pass++
		case model.DecisionAbstain:
			s.Abstain++
		}

		switch model.FailureKind(t.FailureKind) {
		case model.FailureMetricGap:
			s.MetricGap++
		case model.FailureEmptyScope:
			s.EmptyScope++
		case model.FailureReasoning:
			s.Reasoning++
		case model.FailureExecution:
			s.Execution++
		}

		if t.GeneratedCode != "" {
			s.Computed++
		}
		if t.SentinelScore > 0 {
			scoreSum += t.SentinelScore
			scored++
		}
	}

	if scored > 0 {
		s.AvgSentinel = scoreSum / float64(scored)
	}
	return s
}

// formatTracesList writes a tabular list of traces to w.
func formatTracesList(out io.Writer, traces []model.Trace) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUERY\tDECISION\tKIND\tSCORE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t--------\t----\t-----\t-------")

	for _, t := range traces {
		query := t.Query
		if len(query) > 40 {
			query = query[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			truncateID(t.ID),
			query,
			t.Decision,
			t.FailureKind,
			t.SentinelScore,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatTraceStats writes aggregate stats to w.
func formatTraceStats(out io.Writer, s traceStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total queries:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Answered (PASS):\t%d\n", s.Pass)
	_, _ = fmt.Fprintf(w, "Abstained:\t%d\n", s.Abstain)
	_, _ = fmt.Fprintf(w, "  Metric gaps:\t%d\n", s.MetricGap)
	_, _ = fmt.Fprintf(w, "  Empty scopes:\t%d\n", s.EmptyScope)
	_, _ = fmt.Fprintf(w, "  Reasoning failures:\t%d\n", s.Reasoning)
	_, _ = fmt.Fprintf(w, "  Execution failures:\t%d\n", s.Execution)
	_, _ = fmt.Fprintf(w, "Used computation:\t%d\n", s.Computed)
	if s.AvgSentinel > 0 {
		_, _ = fmt.Fprintf(w, "Avg sentinel score:\t%.3f\n", s.AvgSentinel)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
