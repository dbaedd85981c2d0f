package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
	"github.com/oagudo/signalbus/internal/config"

	// database/sql drivers selectable with database.driver
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
)

// Runtime holds what the subcommands work with.
type Runtime struct {
	Config config.Config
	DBCtx  *signalbus.DBContext
	Bus    *signalbus.Bus
	Logger *slog.Logger

	closers []func() error
}

// NewRuntime assembles a runtime. Closers run in reverse order on Close.
func NewRuntime(cfg config.Config, dbCtx *signalbus.DBContext, bus *signalbus.Bus, logger *slog.Logger, closers ...func() error) *Runtime {
	return &Runtime{Config: cfg, DBCtx: dbCtx, Bus: bus, Logger: logger, closers: closers}
}

// Close releases broker connections and the database.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Opener builds a Runtime from a configuration.
type Opener func(cfg config.Config, logger *slog.Logger) (*Runtime, error)

// Open connects to the configured database and registers the configured
// signal types. Broker connections are made on first use.
func Open(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	dbCtx := signalbus.NewDBContext(db, signalbus.SQLDialect(cfg.Database.Dialect))

	brokers := newBrokers(cfg.Brokers, logger)
	types := make([]signalbus.SignalType, 0, len(cfg.Signals))
	for _, s := range cfg.Signals {
		st := signalbus.SignalType{
			Name:       s.Name,
			Table:      s.Table,
			PrimaryKey: s.PrimaryKey,
			Columns:    s.Columns,
			BurstCount: s.BurstCount,
			Sender:     brokers.sender(s),
		}
		if s.ChooseRows != nil {
			st.Chooser = signalbus.ValuesChooser{Types: s.ChooseRows.Types}
		}
		types = append(types, st)
	}
	registry, err := signalbus.NewRegistry(types...)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	bus := signalbus.NewBus(dbCtx, registry,
		signalbus.WithLogger(logger),
		signalbus.WithFlushersPerType(cfg.Flush.FlushersPerType),
		signalbus.WithBurstRate(cfg.Flush.BurstRate, int(cfg.Flush.BurstRate)),
	)
	return NewRuntime(cfg, dbCtx, bus, logger, db.Close, brokers.Close), nil
}

func mapping(s config.Signal) broker.Mapping {
	return broker.Mapping{
		KeyColumn:     s.KeyColumn,
		PayloadColumn: s.PayloadColumn,
		ContentType:   s.ContentType,
	}
}
