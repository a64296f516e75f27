// Package attr implements a generic attribute table and the dispatcher that
// routes show/store requests for a named attribute to the object behind a
// handle.
package attr

import (
	"context"
	"fmt"

	"github.com/objectfs/mapperfs/pkg/errors"
)

// ShowFunc renders an attribute of obj. The returned string is the complete
// file content, trailing newline included.
type ShowFunc[T any] func(ctx context.Context, obj T) (string, error)

// StoreFunc applies payload to obj and reports how many bytes it consumed.
type StoreFunc[T any] func(ctx context.Context, obj T, payload []byte) (int, error)

// Descriptor binds an attribute name to its callbacks. An attribute is
// readable when Show is set and writable when Store is set.
type Descriptor[T any] struct {
	Name  string
	Show  ShowFunc[T]
	Store StoreFunc[T]
}

// Readable reports whether the attribute can be shown.
func (d *Descriptor[T]) Readable() bool { return d.Show != nil }

// Writable reports whether the attribute can be stored.
func (d *Descriptor[T]) Writable() bool { return d.Store != nil }

// Mode returns the permission bits a filesystem transport should present.
func (d *Descriptor[T]) Mode() uint32 {
	var mode uint32
	if d.Readable() {
		mode |= 0444
	}
	if d.Writable() {
		mode |= 0200
	}
	return mode
}

// ReadOnly returns a descriptor with only a show callback.
func ReadOnly[T any](name string, show ShowFunc[T]) Descriptor[T] {
	return Descriptor[T]{Name: name, Show: show}
}

// WriteOnly returns a descriptor with only a store callback.
func WriteOnly[T any](name string, store StoreFunc[T]) Descriptor[T] {
	return Descriptor[T]{Name: name, Store: store}
}

// ReadWrite returns a descriptor with both callbacks.
func ReadWrite[T any](name string, show ShowFunc[T], store StoreFunc[T]) Descriptor[T] {
	return Descriptor[T]{Name: name, Show: show, Store: store}
}

// Table is an ordered, immutable set of descriptors. The zero value is an
// empty table. Tables are safe for concurrent use.
type Table[T any] struct {
	order []*Descriptor[T]
	index map[string]*Descriptor[T]
}

// Lookup returns the descriptor registered under name.
func (t *Table[T]) Lookup(name string) (*Descriptor[T], bool) {
	d, ok := t.index[name]
	return d, ok
}

// Len returns the number of attributes.
func (t *Table[T]) Len() int { return len(t.order) }

// Names returns attribute names in registration order.
func (t *Table[T]) Names() []string {
	names := make([]string, len(t.order))
	for i, d := range t.order {
		names[i] = d.Name
	}
	return names
}

// Descriptors returns copies of the descriptors in registration order.
func (t *Table[T]) Descriptors() []Descriptor[T] {
	out := make([]Descriptor[T], len(t.order))
	for i, d := range t.order {
		out[i] = *d
	}
	return out
}

// Builder collects descriptors and validates them before producing a Table.
type Builder[T any] struct {
	order []*Descriptor[T]
	index map[string]*Descriptor[T]
	err   error
}

// NewBuilder returns an empty builder.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{index: make(map[string]*Descriptor[T])}
}

// Register validates and appends d. The first failure is sticky and is
// returned again by Build.
func (b *Builder[T]) Register(d Descriptor[T]) error {
	if b.err != nil {
		return b.err
	}
	if err := validate(d, b.index); err != nil {
		b.err = err
		return err
	}
	desc := d
	b.order = append(b.order, &desc)
	b.index[d.Name] = &desc
	return nil
}

// Add registers each descriptor in turn and returns the builder for chaining.
func (b *Builder[T]) Add(ds ...Descriptor[T]) *Builder[T] {
	for _, d := range ds {
		if b.Register(d) != nil {
			break
		}
	}
	return b
}

// Build returns the immutable table, or the first registration error.
func (b *Builder[T]) Build() (*Table[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	t := &Table[T]{
		order: make([]*Descriptor[T], len(b.order)),
		index: make(map[string]*Descriptor[T], len(b.index)),
	}
	copy(t.order, b.order)
	for k, v := range b.index {
		t.index[k] = v
	}
	return t, nil
}

// MustBuild is Build for tables assembled from static descriptors; it panics
// on a registration error.
func (b *Builder[T]) MustBuild() *Table[T] {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

func validate[T any](d Descriptor[T], index map[string]*Descriptor[T]) error {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidAttribute, msg).
			WithComponent("attr").
			WithOperation("register").
			WithContext("attribute", d.Name)
	}
	if d.Name == "" {
		return invalid("attribute name cannot be empty")
	}
	if _, dup := index[d.Name]; dup {
		return invalid(fmt.Sprintf("attribute %q already registered", d.Name))
	}
	if d.Show == nil && d.Store == nil {
		return invalid(fmt.Sprintf("attribute %q is neither readable nor writable", d.Name))
	}
	return nil
}
