package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newFlushManyCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "flushmany [TYPE...]",
		Short: "Send all pending signals",
		Long: `Send all pending signals of the given types, or of every type when none is given.
Several processes may run it at the same time on databases with skip-locked row locks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, open)
			if err != nil {
				return err
			}
			defer rt.Close()

			names := typesToFlush(rt, args)
			if len(names) == 0 {
				return nil
			}
			return flushNames(cmd.Context(), rt, names)
		},
	}
}

// typesToFlush resolves args to registered type names, logging each one.
func typesToFlush(rt *Runtime, args []string) []string {
	types := rt.Bus.ModelsToFlush(args)
	names := make([]string, len(types))
	for i, st := range types {
		names[i] = st.Name
		rt.Logger.Info(fmt.Sprintf("Started flushing %s.", st.Name))
	}
	return names
}

// flushNames sends every pending signal of names within flush.timeout.
func flushNames(ctx context.Context, rt *Runtime, names []string) error {
	if d := rt.Config.Flush.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sent, err := rt.Bus.FlushConcurrently(ctx, rt.Config.Flush.Workers, names...)
	total := 0
	for _, n := range sent {
		total += n
	}
	if total > 0 {
		rt.Logger.Info(fmt.Sprintf("%d signals have been successfully processed", total))
	}
	if err != nil {
		return fmt.Errorf("error while sending pending signals: %w", err)
	}
	return nil
}

func newSignalsCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "Show all signal types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, open)
			if err != nil {
				return err
			}
			defer rt.Close()

			for _, name := range rt.Bus.Registry().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newPendingCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show the number of pending signals per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, open)
			if err != nil {
				return err
			}
			defer rt.Close()

			pending, err := rt.Bus.Pending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var total int64
			for _, name := range rt.Bus.Registry().Names() {
				fmt.Fprintf(out, "%-32s %d\n", name, pending[name])
				total += pending[name]
			}
			fmt.Fprintf(out, "Total pending: %d\n", total)
			return nil
		},
	}
}
