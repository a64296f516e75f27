package attr

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// Registry resolves handles to live objects. A successful Resolve must be
// paired with exactly one Release of the returned object, and the object must
// stay valid until then.
type Registry[H comparable, T any] interface {
	Resolve(handle H) (T, error)
	Release(obj T)
}

// Op names a dispatch operation.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Observer is notified after every dispatch, successful or not.
type Observer interface {
	ObserveDispatch(op Op, attribute string, duration time.Duration, err error)
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	observer Observer
	logger   *utils.StructuredLogger
}

// WithObserver installs a dispatch observer.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithLogger installs a logger for dispatch failures.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(opts *options) { opts.logger = l }
}

// Dispatcher routes attribute reads and writes to the descriptor callbacks of
// a table, holding a registry reference for the duration of each call.
type Dispatcher[H comparable, T any] struct {
	table    *Table[T]
	registry Registry[H, T]
	observer Observer
	logger   *utils.StructuredLogger
}

// NewDispatcher returns a dispatcher over table and registry.
func NewDispatcher[H comparable, T any](table *Table[T], registry Registry[H, T], opts ...Option) *Dispatcher[H, T] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &Dispatcher[H, T]{
		table:    table,
		registry: registry,
		observer: o.observer,
		logger:   o.logger,
	}
}

// Table returns the attribute table for enumeration.
func (d *Dispatcher[H, T]) Table() *Table[T] { return d.table }

// Read shows attribute name of the object behind handle.
func (d *Dispatcher[H, T]) Read(ctx context.Context, handle H, name string) (out string, err error) {
	start := time.Now()
	defer func() { d.finish(OpRead, handle, name, start, err) }()

	desc, ok := d.table.Lookup(name)
	if !ok {
		return "", notFound(OpRead, name)
	}
	if !desc.Readable() {
		return "", unsupported(OpRead, name, "attribute is write-only")
	}

	obj, err := d.resolve(OpRead, handle, name)
	if err != nil {
		return "", err
	}
	defer d.registry.Release(obj)

	out, err = desc.Show(ctx, obj)
	if err != nil {
		return "", callbackError(OpRead, name, err)
	}
	return out, nil
}

// Write stores payload into attribute name of the object behind handle and
// returns the number of payload bytes the attribute consumed.
func (d *Dispatcher[H, T]) Write(ctx context.Context, handle H, name string, payload []byte) (n int, err error) {
	start := time.Now()
	defer func() { d.finish(OpWrite, handle, name, start, err) }()

	desc, ok := d.table.Lookup(name)
	if !ok {
		return 0, notFound(OpWrite, name)
	}
	if !desc.Writable() {
		return 0, unsupported(OpWrite, name, "attribute is read-only")
	}

	obj, err := d.resolve(OpWrite, handle, name)
	if err != nil {
		return 0, err
	}
	defer d.registry.Release(obj)

	n, err = desc.Store(ctx, obj, payload)
	if err != nil {
		return 0, callbackError(OpWrite, name, err)
	}
	return n, nil
}

func (d *Dispatcher[H, T]) resolve(op Op, handle H, name string) (T, error) {
	obj, err := d.registry.Resolve(handle)
	if err != nil {
		var zero T
		if stderrors.Is(err, errors.ErrInvalidHandle) {
			return zero, err
		}
		return zero, errors.Wrap(errors.ErrCodeInvalidHandle, "object resolution failed", err).
			WithComponent("dispatcher").
			WithOperation(string(op)).
			WithContext("attribute", name).
			WithContext("handle", fmt.Sprint(handle))
	}
	return obj, nil
}

func (d *Dispatcher[H, T]) finish(op Op, handle H, name string, start time.Time, err error) {
	elapsed := time.Since(start)
	if d.observer != nil {
		d.observer.ObserveDispatch(op, name, elapsed, err)
	}
	if err != nil && d.logger != nil {
		d.logger.Debug("attribute dispatch failed", map[string]interface{}{
			"op":        string(op),
			"attribute": name,
			"handle":    fmt.Sprint(handle),
			"code":      string(errors.CodeOf(err)),
			"error":     err.Error(),
		})
	}
}

func notFound(op Op, name string) error {
	return errors.NewError(errors.ErrCodeAttributeNotFound, fmt.Sprintf("no attribute %q", name)).
		WithComponent("dispatcher").
		WithOperation(string(op)).
		WithContext("attribute", name)
}

func unsupported(op Op, name, msg string) error {
	return errors.NewError(errors.ErrCodeAttributeUnsupported, msg).
		WithComponent("dispatcher").
		WithOperation(string(op)).
		WithContext("attribute", name)
}

// callbackError passes typed errors through and classifies anything else as
// an I/O failure of the attribute.
func callbackError(op Op, name string, err error) error {
	var typed *errors.MapperFSError
	if stderrors.As(err, &typed) {
		return err
	}
	return errors.Wrap(errors.ErrCodeAttributeIO, "attribute callback failed", err).
		WithComponent("dispatcher").
		WithOperation(string(op)).
		WithContext("attribute", name)
}
