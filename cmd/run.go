// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/agent"
	"github.com/bwasti/llpkmn/internal/observability"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the vision-model decision loop against the emulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				components.Shutdown()
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			pilot, err := agent.NewPilot(cfg.Agent.Loop, agent.Dependencies{
				Bridge:      components.Session.Client,
				Screenshots: components.Session.Shots,
				Images:      components.Loader,
				Model:       components.Model,
				Journal:     components.Journal,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create decision loop: %w", err)
			}

			summary, err := pilot.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d steps completed, %d skipped\n", summary.RunID, summary.Steps, summary.Skipped)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted by user signal", zap.String("run_id", summary.RunID))
					return err
				}
				return fmt.Errorf("run %s failed [%s]: %w", summary.RunID, agent.Classify(err), err)
			}
			return nil
		},
	}

	// Loop configuration override flags.
	runCmd.Flags().String("mode", "", "Decision mode: 'single' or 'two_phase'. (Overrides config/env)")
	runCmd.Flags().Int("max-steps", 0, "Step budget; negative runs until interrupted. (Overrides config/env)")
	runCmd.Flags().Int("history-limit", 0, "Number of past actions shown to the model. (Overrides config/env)")
	runCmd.Flags().Duration("step-interval", 0, "Minimum time between step starts. (Overrides config/env)")
	runCmd.Flags().Duration("step-timeout", 0, "Deadline for a single step; 0 disables it. (Overrides config/env)")
	runCmd.Flags().Bool("skip-unparsable", false, "Skip steps whose response names no button instead of stopping.")
	runCmd.Flags().String("journal", "", "Journal backend: none, sqlite or postgres. (Overrides config/env)")
	runCmd.Flags().String("journal-path", "", "SQLite journal file. (Overrides config/env)")

	return runCmd
}
