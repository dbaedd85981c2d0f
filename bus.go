package signalbus

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Registry holds the signal types known to a Bus. It is immutable once built.
type Registry struct {
	types  []*SignalType
	byName map[string]*SignalType
}

// NewRegistry validates the given signal types and registers them.
// Names must be unique. A zero BurstCount is replaced by 1.
func NewRegistry(types ...SignalType) (*Registry, error) {
	r := &Registry{byName: make(map[string]*SignalType, len(types))}

	for i := range types {
		st := types[i]
		st.PrimaryKey = slices.Clone(st.PrimaryKey)
		st.Columns = slices.Clone(st.Columns)

		if err := st.validate(); err != nil {
			return nil, err
		}
		if v, ok := st.Chooser.(interface{ validate() error }); ok {
			if err := v.validate(); err != nil {
				return nil, fmt.Errorf("signal type %s: %w", st.Name, err)
			}
		}
		if _, dup := r.byName[st.Name]; dup {
			return nil, fmt.Errorf("signal type %s registered twice", st.Name)
		}
		r.byName[st.Name] = &st
		r.types = append(r.types, &st)
	}

	slices.SortFunc(r.types, func(a, b *SignalType) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return r, nil
}

// Lookup returns the signal type with the given name.
func (r *Registry) Lookup(name string) (*SignalType, bool) {
	st, ok := r.byName[name]
	return st, ok
}

// Types returns all signal types sorted by name.
func (r *Registry) Types() []*SignalType {
	return slices.Clone(r.types)
}

// Names returns the sorted signal type names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.types))
	for i, st := range r.types {
		names[i] = st.Name
	}
	return names
}

type busConfig struct {
	logger          *slog.Logger
	retry           RetryPolicy
	txOptions       *sql.TxOptions
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	flushersPerType int
	limiter         *rate.Limiter
}

func newBusConfig(opts []BusOption) busConfig {
	cfg := busConfig{
		logger:          slog.Default(),
		retry:           DefaultRetryPolicy(),
		flushersPerType: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// BusOption configures a Bus or a BurstFlusher.
type BusOption func(*busConfig)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) BusOption {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy sets the policy bursts run under. Default is DefaultRetryPolicy().
func WithRetryPolicy(p RetryPolicy) BusOption {
	return func(c *busConfig) {
		c.retry = p
	}
}

// WithTxOptions sets the options of burst transactions.
// Default is nil, the driver's default isolation level.
func WithTxOptions(opts *sql.TxOptions) BusOption {
	return func(c *busConfig) {
		c.txOptions = opts
	}
}

// WithMeterProvider sets the OTel meter provider. Default is the global one.
func WithMeterProvider(mp metric.MeterProvider) BusOption {
	return func(c *busConfig) {
		c.meterProvider = mp
	}
}

// WithTracerProvider sets the OTel tracer provider. Default is the global one.
func WithTracerProvider(tp trace.TracerProvider) BusOption {
	return func(c *busConfig) {
		c.tracerProvider = tp
	}
}

// WithBurstRate caps how many bursts start per second, summed over every
// flusher built with the option. A non-positive limit removes the cap.
func WithBurstRate(limit float64, burst int) BusOption {
	var l *rate.Limiter
	if limit > 0 {
		l = rate.NewLimiter(rate.Limit(limit), max(burst, 1))
	}
	return func(c *busConfig) {
		c.limiter = l
	}
}

// WithFlushersPerType sets how many concurrent flush loops FlushConcurrently
// starts for every signal type. Concurrent loops skip each other's locked
// rows. Default is 1.
func WithFlushersPerType(n int) BusOption {
	return func(c *busConfig) {
		c.flushersPerType = max(n, 1)
	}
}

// Bus flushes the signal types of a registry.
type Bus struct {
	registry *Registry
	logger   *slog.Logger

	flushersPerType int
	flushers        map[string]*BurstFlusher
}

// NewBus returns a Bus flushing the types of registry through dbCtx.
func NewBus(dbCtx *DBContext, registry *Registry, opts ...BusOption) *Bus {
	cfg := newBusConfig(opts)
	inst := newInstruments(cfg.meterProvider, cfg.tracerProvider)

	b := &Bus{
		registry:        registry,
		logger:          cfg.logger,
		flushersPerType: cfg.flushersPerType,
		flushers:        make(map[string]*BurstFlusher, len(registry.types)),
	}
	for _, st := range registry.types {
		b.flushers[st.Name] = newBurstFlusher(dbCtx, st, cfg, inst)
	}
	if cfg.flushersPerType > 1 && !dbCtx.supportsRowLocks() {
		cfg.logger.Warn("Dialect has no row locks, flushers of the same type run one at a time",
			slog.String("dialect", string(dbCtx.Dialect())),
			slog.Int("flushers_per_type", cfg.flushersPerType),
		)
	}
	return b
}

// Registry returns the registry the bus was built with.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// ModelsToFlush returns the signal types named by names, or all of them when
// names is empty. Unknown names are logged and ignored.
func (b *Bus) ModelsToFlush(names []string) []*SignalType {
	if len(names) == 0 {
		return b.registry.Types()
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	var types []*SignalType
	for _, st := range b.registry.types {
		if wanted[st.Name] {
			types = append(types, st)
			delete(wanted, st.Name)
		}
	}

	unknown := make([]string, 0, len(wanted))
	for name := range wanted {
		unknown = append(unknown, name)
	}
	slices.Sort(unknown)
	for _, name := range unknown {
		b.logger.Warn(fmt.Sprintf("A signal with name %q does not exist.", name))
	}
	return types
}

// Flush sends all pending signals of the named types, or of every type when
// no name is given, one type after the other. It returns the number of
// signals sent per type.
//
// A type whose flush fails is abandoned while the remaining types are still
// flushed. The returned error joins a *FlushError per failed type.
func (b *Bus) Flush(ctx context.Context, names ...string) (map[string]int, error) {
	types, err := b.lookup(names)
	if err != nil {
		return nil, err
	}

	sent := make(map[string]int, len(types))
	var errs []error
	for _, st := range types {
		n, err := b.flushers[st.Name].FlushAll(ctx)
		sent[st.Name] = n
		if err != nil {
			b.logFlushError(st.Name, n, err)
			errs = append(errs, &FlushError{Type: st.Name, Sent: n, Err: err})
		}
	}
	return sent, errors.Join(errs...)
}

// FlushConcurrently is like Flush but runs the flush loops of different
// types, and WithFlushersPerType loops per type, on a pool of workers.
func (b *Bus) FlushConcurrently(ctx context.Context, workers int, names ...string) (map[string]int, error) {
	types, err := b.lookup(names)
	if err != nil {
		return nil, err
	}

	jobs := make([]*BurstFlusher, 0, len(types)*b.flushersPerType)
	for _, st := range types {
		for range b.flushersPerType {
			jobs = append(jobs, b.flushers[st.Name])
		}
	}

	var mu sync.Mutex
	sent := make(map[string]int, len(types))
	for _, st := range types {
		sent[st.Name] = 0
	}

	pool := NewPool[*BurstFlusher](workers, WithPoolLogger(b.logger), WithPoolName("flush"))
	report := pool.Run(ctx, SliceSource(jobs), func(ctx context.Context, f *BurstFlusher) error {
		n, err := f.FlushAll(ctx)
		mu.Lock()
		sent[f.st.Name] += n
		mu.Unlock()
		if err != nil {
			b.logFlushError(f.st.Name, n, err)
			return &FlushError{Type: f.st.Name, Sent: n, Err: err}
		}
		return nil
	})
	return sent, report.Err()
}

// Pending returns the number of pending rows per type.
func (b *Bus) Pending(ctx context.Context, names ...string) (map[string]int64, error) {
	types, err := b.lookup(names)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]int64, len(types))
	for _, st := range types {
		n, err := b.flushers[st.Name].Pending(ctx)
		if err != nil {
			return nil, fmt.Errorf("signal type %s: %w", st.Name, err)
		}
		pending[st.Name] = n
	}
	return pending, nil
}

func (b *Bus) lookup(names []string) ([]*SignalType, error) {
	if len(names) == 0 {
		return b.registry.types, nil
	}
	types := make([]*SignalType, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		st, ok := b.registry.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSignalType, name)
		}
		if !seen[name] {
			seen[name] = true
			types = append(types, st)
		}
	}
	return types, nil
}

func (b *Bus) logFlushError(signalType string, sent int, err error) {
	b.logger.Error("Caught error while sending signals",
		slog.String("signal_type", signalType),
		slog.Int("sent", sent),
		slog.String("error", err.Error()),
	)
}
