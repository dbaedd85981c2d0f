package cli

import (
	"fmt"
	"log/slog"

	"github.com/oagudo/signalbus/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newServeCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [TYPE...]",
		Short: "Send pending signals on a schedule until interrupted",
		Long: `Run flushmany for the given types, or for every type, each time flush.schedule fires.
A run that is still going when the next one is due makes that one skip.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, open)
			if err != nil {
				return err
			}
			defer rt.Close()

			expr := rt.Config.Flush.Schedule
			if v, _ := cmd.Flags().GetString("schedule"); v != "" {
				expr = v
			}
			sched, err := config.ParseSchedule(expr)
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", expr, err)
			}

			names := typesToFlush(rt, args)
			if len(names) == 0 {
				return nil
			}

			ctx := cmd.Context()
			logger := cronLogger{rt.Logger}
			c := cron.New(
				cron.WithLogger(logger),
				cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			)
			c.Schedule(sched, cron.FuncJob(func() {
				if err := flushNames(ctx, rt, names); err != nil && ctx.Err() == nil {
					rt.Logger.Error("Scheduled flush failed", slog.String("error", err.Error()))
				}
			}))

			rt.Logger.Info("Flushing on schedule", slog.String("schedule", expr))
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			rt.Logger.Info("Stopped flushing")
			return nil
		},
	}
	cmd.Flags().String("schedule", "", "Cron expression or descriptor, overrides flush.schedule")
	return cmd
}

// cronLogger routes the scheduler's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
