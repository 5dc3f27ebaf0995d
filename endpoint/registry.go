// Package endpoint owns the gateway's live bus endpoints. A Registry keys
// records by (kind, name); each record bundles the native handle with the
// callback group its events run on, an optional publish timer and the
// endpoint logger. Creation is idempotent and destruction releases every
// resource in reverse order of acquisition.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/semstreams-robotics/command"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/executor"
	"github.com/c360/semstreams-robotics/logging"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/msgtype"
)

// DefaultCloseTimeout bounds how long Destroy waits for a group to drain.
const DefaultCloseTimeout = 5 * time.Second

// Key identifies an endpoint.
type Key struct {
	Kind command.Kind
	Name string
}

func (k Key) String() string {
	return string(k.Kind) + " " + k.Name
}

// Spec describes the endpoint GetOrCreate should produce.
type Spec struct {
	Kind       command.Kind
	Name       string
	Type       *msgtype.Descriptor
	LoggerName string
	Log        *command.LogSpec
}

// Constructor builds the native handle for rec. Logger and Group are set
// when it runs; events produced by the handle must be submitted to Group.
type Constructor func(ctx context.Context, rec *Record) (io.Closer, error)

// Record is one live endpoint.
type Record struct {
	Kind    command.Kind
	Name    string
	Type    *msgtype.Descriptor
	Group   *executor.CallbackGroup
	Logger  *logging.Logger
	Created time.Time

	mu     sync.Mutex
	handle io.Closer
	timer  *executor.Timer
}

// Key returns the record key.
func (r *Record) Key() Key {
	return Key{Kind: r.Kind, Name: r.Name}
}

// Handle returns the native handle.
func (r *Record) Handle() io.Closer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Timer returns the publish timer, if any.
func (r *Record) Timer() *executor.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer
}

// Info is a serializable snapshot of a record.
type Info struct {
	Kind        command.Kind        `json:"kind"`
	Name        string              `json:"name"`
	Type        string              `json:"type"`
	Logger      string              `json:"logger"`
	TimerPeriod string              `json:"timer_period,omitempty"`
	Created     time.Time           `json:"created"`
	Group       executor.GroupStats `json:"group"`
}

func (r *Record) info() Info {
	in := Info{
		Kind:    r.Kind,
		Name:    r.Name,
		Logger:  r.Logger.Name(),
		Created: r.Created,
		Group:   r.Group.Stats(),
	}
	if r.Type != nil {
		in.Type = r.Type.ID.String()
	}
	if t := r.Timer(); t != nil {
		in.TimerPeriod = t.Period().String()
	}
	return in
}

type table struct {
	createMu sync.Mutex
	mu       sync.RWMutex
	records  map[string]*Record
}

// Registry holds the live endpoints. It is safe for concurrent use; each
// kind has its own locks.
type Registry struct {
	exec         *executor.Executor
	loggers      *logging.Factory
	metrics      *metric.Metrics
	logger       *slog.Logger
	closeTimeout time.Duration

	tables map[command.Kind]*table
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records endpoint counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCloseTimeout sets how long Destroy waits for a group to drain.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.closeTimeout = d
		}
	}
}

// NewRegistry creates an empty registry. Groups come from exec and endpoint
// loggers from loggers.
func NewRegistry(exec *executor.Executor, loggers *logging.Factory, opts ...Option) *Registry {
	r := &Registry{
		exec:         exec,
		loggers:      loggers,
		logger:       slog.Default(),
		closeTimeout: DefaultCloseTimeout,
		tables:       make(map[command.Kind]*table, len(command.Kinds)),
	}
	for _, k := range command.Kinds {
		r.tables[k] = &table{records: make(map[string]*Record)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) table(kind command.Kind) (*table, error) {
	t, ok := r.tables[kind]
	if !ok {
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrValidation, fmt.Errorf("unknown kind %q", kind)), "Registry", "table", "lookup kind")
	}
	return t, nil
}

// GetOrCreate returns the record for (spec.Kind, spec.Name), building it with
// create when absent. The logger is created first and logs spec.Log, then the
// callback group, then the handle. On failure everything already acquired is
// released and the error wraps errors.ErrEndpointCreation.
func (r *Registry) GetOrCreate(ctx context.Context, spec Spec, create Constructor) (*Record, bool, error) {
	t, err := r.table(spec.Kind)
	if err != nil {
		return nil, false, err
	}

	t.createMu.Lock()
	defer t.createMu.Unlock()

	t.mu.RLock()
	rec, ok := t.records[spec.Name]
	t.mu.RUnlock()
	if ok {
		return rec, false, nil
	}

	rec = &Record{
		Kind:    spec.Kind,
		Name:    spec.Name,
		Type:    spec.Type,
		Created: time.Now(),
	}
	rec.Logger = r.loggers.New(spec.LoggerName, string(spec.Kind), spec.Name)
	if spec.Log != nil && spec.Log.Msg != "" {
		rec.Logger.Log(ctx, spec.Log.LogLevel(), spec.Log.Msg)
	}

	rec.Group, err = r.exec.NewGroup(Key{spec.Kind, spec.Name}.String())
	if err != nil {
		return nil, false, r.abandon(rec, err)
	}

	handle, err := create(ctx, rec)
	if err != nil {
		return nil, false, r.abandon(rec, err)
	}
	rec.handle = handle

	t.mu.Lock()
	t.records[spec.Name] = rec
	n := len(t.records)
	t.mu.Unlock()
	r.recordCount(spec.Kind, n)

	r.logger.Debug("Endpoint created", "kind", spec.Kind, "name", spec.Name, "type", rec.info().Type)
	return rec, true, nil
}

func (r *Registry) abandon(rec *Record, cause error) error {
	rec.Logger.Error("Failed to create "+string(rec.Kind), cause, "name", rec.Name)
	if rec.Group != nil {
		if err := rec.Group.Close(r.closeTimeout); err != nil {
			r.logger.Warn("Failed to close callback group", "kind", rec.Kind, "name", rec.Name, "error", err)
		}
	}
	r.loggers.Release(rec.Logger)
	return errors.Wrap(errors.Tag(errors.ErrEndpointCreation, cause), "Registry", "GetOrCreate", "create "+Key{rec.Kind, rec.Name}.String())
}

// Lookup returns the record for (kind, name).
func (r *Registry) Lookup(kind command.Kind, name string) (*Record, bool) {
	t, err := r.table(kind)
	if err != nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[name]
	return rec, ok
}

// Len returns the number of endpoints of kind.
func (r *Registry) Len(kind command.Kind) int {
	t, err := r.table(kind)
	if err != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// List returns a snapshot of every endpoint ordered by kind then name.
func (r *Registry) List() []Info {
	var out []Info
	for _, kind := range command.Kinds {
		t := r.tables[kind]
		t.mu.RLock()
		recs := make([]*Record, 0, len(t.records))
		for _, rec := range t.records {
			recs = append(recs, rec)
		}
		t.mu.RUnlock()

		sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
		for _, rec := range recs {
			out = append(out, rec.info())
		}
	}
	return out
}

// SetTimer installs timer on rec, stopping any previous one.
func (r *Registry) SetTimer(rec *Record, timer *executor.Timer) {
	rec.mu.Lock()
	prev := rec.timer
	rec.timer = timer
	rec.mu.Unlock()
	if prev != nil && prev != timer {
		prev.Stop()
	}
}

// ClearTimer stops and removes the timer of rec. It reports whether one was
// running.
func (r *Registry) ClearTimer(rec *Record) bool {
	rec.mu.Lock()
	prev := rec.timer
	rec.timer = nil
	rec.mu.Unlock()
	if prev == nil {
		return false
	}
	prev.Stop()
	return true
}

// Destroy removes (kind, name) and releases its timer, handle, group and
// logger in that order. A missing endpoint returns false and an error
// wrapping errors.ErrEndpointNotFound.
func (r *Registry) Destroy(kind command.Kind, name string) (bool, error) {
	t, err := r.table(kind)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	rec, ok := t.records[name]
	if ok {
		delete(t.records, name)
	}
	n := len(t.records)
	t.mu.Unlock()

	if !ok {
		return false, errors.Wrap(errors.ErrEndpointNotFound, "Registry", "Destroy", "destroy "+Key{kind, name}.String())
	}
	r.recordCount(kind, n)
	return true, r.release(rec)
}

func (r *Registry) release(rec *Record) error {
	r.ClearTimer(rec)

	var err error
	if h := rec.Handle(); h != nil {
		err = multierr.Append(err, h.Close())
	}
	err = multierr.Append(err, rec.Group.Close(r.closeTimeout))
	rec.Logger.Info("Destroyed " + string(rec.Kind) + " " + rec.Name)
	r.loggers.Release(rec.Logger)
	if err != nil {
		return errors.Wrap(err, "Registry", "Destroy", "release "+rec.Key().String())
	}
	return nil
}

// Close destroys every endpoint.
func (r *Registry) Close() error {
	var err error
	for _, kind := range command.Kinds {
		t := r.tables[kind]
		t.mu.Lock()
		recs := make([]*Record, 0, len(t.records))
		for _, rec := range t.records {
			recs = append(recs, rec)
		}
		t.records = make(map[string]*Record)
		t.mu.Unlock()
		r.recordCount(kind, 0)

		for _, rec := range recs {
			err = multierr.Append(err, r.release(rec))
		}
	}
	return err
}

func (r *Registry) recordCount(kind command.Kind, n int) {
	if r.metrics != nil {
		r.metrics.RecordEndpoints(string(kind), n)
	}
}
