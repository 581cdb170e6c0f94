package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/verity/internal/engine"
	"github.com/sells-group/verity/internal/model"
)

var (
	askSession    string
	askNewSession bool
	askJSON       bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question against the ingested filings",
	Long:  "Runs a single question through the full pipeline and prints the gated answer. Exit code 0 means a verified answer, 2 an abstention or insufficient data, 1 a hard failure.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if askSession != "" && askNewSession {
			return eris.New("--session and --new-session are mutually exclusive")
		}

		env, err := initQueryEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		session := askSession
		if askNewSession {
			sess, err := env.Traces.CreateSession(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "create session")
			}
			session = sess.ID
			fmt.Fprintf(os.Stderr, "session: %s\n", sess.ID)
		}

		ans, err := env.Engine.Answer(ctx, engine.QueryRequest{
			Query:     args[0],
			SessionID: session,
		})
		if err != nil {
			return eris.Wrap(err, "ask")
		}

		if askJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(ans); err != nil {
				return eris.Wrap(err, "encode answer")
			}
		} else {
			fmt.Print(formatAnswer(ans))
		}

		if ans.Decision != model.DecisionPass {
			exitCode = 2
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "existing session id for follow-up context")
	askCmd.Flags().BoolVar(&askNewSession, "new-session", false, "start a session so later questions can refer back to this one")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full answer record as JSON")
	rootCmd.AddCommand(askCmd)
}

// formatAnswer renders the answer for a terminal: text, nuance notes,
// citations, then a status line with the audit score and trace id.
func formatAnswer(ans *model.Answer) string {
	var b strings.Builder
	b.WriteString(ans.Text)
	b.WriteString("\n")

	if len(ans.Nuances) > 0 {
		b.WriteString("\nNotes:\n")
		for _, n := range ans.Nuances {
			b.WriteString("  - ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	if len(ans.Citations) > 0 {
		b.WriteString("\nSources: ")
		b.WriteString(strings.Join(ans.Citations, ", "))
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n[%s", ans.Decision))
	if ans.FailureKind != "" && ans.FailureKind != model.FailureAbstain {
		b.WriteString(fmt.Sprintf(" %s", ans.FailureKind))
	}
	b.WriteString(fmt.Sprintf("  groundedness %.2f  trace %s]\n", ans.GroundednessScore, truncateID(ans.TraceID)))
	return b.String()
}
