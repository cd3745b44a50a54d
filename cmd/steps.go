// File: cmd/steps.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/llmutil"
	"github.com/bwasti/llpkmn/internal/observability"
	"github.com/bwasti/llpkmn/internal/store"
)

// stepView is the printed form of a journaled step.
type stepView struct {
	RunID      string    `json:"run_id"`
	Step       int       `json:"step"`
	Mode       string    `json:"mode"`
	Action     string    `json:"action"`
	Response   string    `json:"response"`
	Screenshot string    `json:"screenshot"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// newStepsCmd creates the `steps` command, which prints a journaled run.
func newStepsCmd() *cobra.Command {
	var format string
	stepsCmd := &cobra.Command{
		Use:   "steps <run-id>",
		Short: "Prints the journaled steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Journal.Type == "" || cfg.Journal.Type == config.JournalNone {
				return fmt.Errorf("no journal configured; set journal.type to sqlite or postgres")
			}

			journal, err := store.Open(ctx, cfg.Journal, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer journal.Close()

			records, err := journal.Steps(ctx, args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no steps recorded for run '%s'", args[0])
			}

			switch format {
			case "json":
				return writeStepsJSON(cmd.OutOrStdout(), records)
			case "text":
				return writeStepsText(cmd.OutOrStdout(), records)
			default:
				return fmt.Errorf("unsupported format '%s' (want 'text' or 'json')", format)
			}
		},
	}
	stepsCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: 'text' or 'json'.")
	return stepsCmd
}

func writeStepsJSON(w io.Writer, records []store.StepRecord) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for _, r := range records {
		v := stepView{
			RunID:      r.RunID,
			Step:       r.Step,
			Mode:       r.Mode,
			Action:     r.Action,
			Response:   r.Response,
			Screenshot: r.Screenshot,
			DurationMS: r.Duration.Milliseconds(),
			CreatedAt:  r.CreatedAt,
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func writeStepsText(w io.Writer, records []store.StepRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tDURATION\tSCREENSHOT\tRESPONSE")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%q\n", r.Step, r.Action, r.Duration.Round(time.Millisecond), r.Screenshot, llmutil.Truncate(r.Response, 60))
	}
	return tw.Flush()
}
