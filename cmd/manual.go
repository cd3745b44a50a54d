// File: cmd/manual.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/action"
	"github.com/bwasti/llpkmn/internal/observability"
)

// allButtons accepts every button the bridge understands, not just the
// pruned set offered to the model.
func allButtons() *action.Set {
	names := make([]string, len(action.AllButtons))
	for i, b := range action.AllButtons {
		names[i] = string(b)
	}
	return action.MustNewSet(names)
}

// newTapCmd creates the `tap` command for driving the emulator by hand.
func newTapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tap <button> [button...]",
		Short: "Taps one or more buttons in order",
		Long:  "Taps buttons in order. Valid buttons: A, B, Select, Start, Right, Left, Up, Down, R, L.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			vocab := allButtons()
			buttons := make([]action.Button, 0, len(args))
			for _, arg := range args {
				b, ok := vocab.Lookup(arg)
				if !ok {
					return fmt.Errorf("unknown button '%s'", arg)
				}
				buttons = append(buttons, b)
			}

			scfg := cfg.Screenshots
			scfg.Watch = false
			session, err := openBridge(ctx, cfg.Bridge, scfg, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			for _, b := range buttons {
				if err := session.Client.Tap(ctx, b); err != nil {
					return err
				}
				logger.Info("Tapped", zap.String("button", string(b)))
			}
			return nil
		},
	}
}

// newCaptureCmd creates the `capture` command.
func newCaptureCmd() *cobra.Command {
	var wait bool
	captureCmd := &cobra.Command{
		Use:   "capture [path]",
		Short: "Asks the emulator to write a screenshot",
		Long:  "Writes a screenshot to path, or to a new timestamped file in the screenshot directory, and prints where it went.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			session, err := openBridge(ctx, cfg.Bridge, cfg.Screenshots, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			var path string
			if len(args) == 1 {
				path = args[0]
				err = session.Client.Capture(ctx, path)
			} else {
				path, err = session.Client.Screenshot(ctx)
				if err == nil && wait {
					// The bridge acknowledges before the file is flushed.
					_, err = session.Shots.Select(ctx, 1, path)
				}
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	captureCmd.Flags().BoolVar(&wait, "wait", true, "Wait until the screenshot has been written (directory captures only).")
	return captureCmd
}
