package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oagudo/signalbus"
	"github.com/spf13/cobra"
)

type purgeOptions struct {
	tables         []string
	column         string
	positionColumn string
	olderThan      time.Duration
	perBlock       bool
	workers        int
}

func newPurgeCommand(open Opener) *cobra.Command {
	var opts purgeOptions
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old rows from tables",
		Long: `Scan whole tables in short transactions and delete the rows whose --column
is older than --older-than. Several tables are scanned in parallel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			rt, err := setup(cmd, open)
			if err != nil {
				return err
			}
			defer rt.Close()
			if opts.workers < 1 {
				opts.workers = rt.Config.Flush.Workers
			}

			cutoff := time.Now().Add(-opts.olderThan)
			var mu sync.Mutex
			deleted := make(map[string]int64, len(opts.tables))

			pool := signalbus.NewPool[string](opts.workers, signalbus.WithPoolLogger(rt.Logger), signalbus.WithPoolName("purge"))
			report := pool.Run(cmd.Context(), signalbus.SliceSource(opts.tables), func(ctx context.Context, table string) error {
				n, err := purgeTable(ctx, rt, table, cutoff, opts)
				mu.Lock()
				deleted[table] = n
				mu.Unlock()
				return err
			})

			out := cmd.OutOrStdout()
			for _, table := range opts.tables {
				fmt.Fprintf(out, "Deleted %d rows from %s\n", deleted[table], table)
			}
			return report.Err()
		},
	}
	cmd.Flags().StringSliceVar(&opts.tables, "table", nil, "Table to purge (repeatable)")
	cmd.Flags().StringVar(&opts.column, "column", "", "Timestamp column compared with --older-than")
	cmd.Flags().StringVar(&opts.positionColumn, "position-column", "", "Integer column ordering the scan (required except on PostgreSQL and SQLite)")
	cmd.Flags().DurationVar(&opts.olderThan, "older-than", 0, "Delete rows older than this duration")
	cmd.Flags().BoolVar(&opts.perBlock, "per-block", false, "Delete block by block instead of step by step")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Tables scanned in parallel (default flush.workers)")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("column")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func purgeTable(ctx context.Context, rt *Runtime, table string, cutoff time.Time, opts purgeOptions) (int64, error) {
	scanOpts := []signalbus.ScanOption{
		signalbus.WithScanColumns(opts.column),
		signalbus.WithScanLogger(rt.Logger),
	}
	if opts.positionColumn != "" {
		scanOpts = append(scanOpts, signalbus.WithPositionColumn(opts.positionColumn))
	}
	scanner, err := signalbus.NewScanner(rt.DBCtx, table, scanOpts...)
	if err != nil {
		return 0, err
	}

	var deleted int64
	purge := func(ctx context.Context, tx signalbus.TxQueryer, rows []*signalbus.Row) error {
		var old []*signalbus.Row
		for _, r := range rows {
			expired, err := olderThan(r.Values[opts.column], cutoff)
			if err != nil {
				return fmt.Errorf("column %s: %w", opts.column, err)
			}
			if expired {
				old = append(old, r)
			}
		}
		n, err := scanner.DeleteRows(ctx, tx, old)
		deleted += n
		return err
	}

	if opts.perBlock {
		_, err = scanner.ScanBlocks(ctx, func(ctx context.Context, tx signalbus.TxQueryer, b signalbus.Block) error {
			return purge(ctx, tx, b.Rows)
		})
	} else {
		_, err = scanner.Scan(ctx, purge)
	}
	rt.Logger.Info("Purged table", slog.String("table", table), slog.Int64("deleted", deleted))
	return deleted, err
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// olderThan reports whether a timestamp column value is before cutoff.
// Integers are Unix seconds. NULL is never expired.
func olderThan(v any, cutoff time.Time) (bool, error) {
	switch val := v.(type) {
	case nil:
		return false, nil
	case time.Time:
		return val.Before(cutoff), nil
	case int64:
		return val < cutoff.Unix(), nil
	case []byte:
		return olderThan(string(val), cutoff)
	case string:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n < cutoff.Unix(), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.Before(cutoff), nil
			}
		}
		return false, fmt.Errorf("cannot parse %q as a timestamp", val)
	default:
		return false, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
