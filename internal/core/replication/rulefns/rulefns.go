package rulefns

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
)

// ErrMalformed marks every error returned by RuleFns.Deserialize: the payload
// does not decode to the schema.
var ErrMalformed = errors.New("malformed component payload")

// SerializeFn writes component into w.
type SerializeFn[C any] func(ctx *applyctx.SerializeCtx, component *C, w io.Writer) error

// DeserializeFn reads one component from r.
type DeserializeFn[C any] func(ctx *applyctx.WriteCtx, r io.Reader) (C, error)

// MapEntities is implemented by components that hold references to other entities.
type MapEntities interface {
	MapEntities(mapper applyctx.EntityMapper)
}

// RuleFns is the codec of a single component type. Deserialize must be the
// exact inverse of Serialize.
type RuleFns[C any] struct {
	serialize   SerializeFn[C]
	deserialize DeserializeFn[C]
}

// New builds a codec from custom functions. Custom deserializers that decode
// entity references are responsible for mapping them, see MapValue.
func New[C any](serialize SerializeFn[C], deserialize DeserializeFn[C]) RuleFns[C] {
	if serialize == nil || deserialize == nil {
		panic(fmt.Sprintf("rule functions for %s must both be set", reflect.TypeFor[C]()))
	}
	return RuleFns[C]{serialize: serialize, deserialize: deserialize}
}

// Default returns the JSON codec for C. Entity references are mapped when *C
// implements MapEntities.
func Default[C any]() RuleFns[C] {
	return New(DefaultSerialize[C], DefaultDeserialize[C])
}

func (r RuleFns[C]) Serialize(ctx *applyctx.SerializeCtx, component *C, w io.Writer) error {
	return r.serialize(ctx, component, w)
}

// Deserialize reads one component. Errors match ErrMalformed.
func (r RuleFns[C]) Deserialize(ctx *applyctx.WriteCtx, rd io.Reader) (C, error) {
	component, err := r.deserialize(ctx, rd)
	if err != nil && !errors.Is(err, ErrMalformed) {
		err = &malformedError{err: err}
	}
	return component, err
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return e.err.Error()
}

func (e *malformedError) Unwrap() error {
	return e.err
}

func (e *malformedError) Is(target error) bool {
	return target == ErrMalformed
}

// WithSerialize replaces the serialize function.
func (r RuleFns[C]) WithSerialize(serialize SerializeFn[C]) RuleFns[C] {
	return New(serialize, r.deserialize)
}

// WithDeserialize replaces the deserialize function.
func (r RuleFns[C]) WithDeserialize(deserialize DeserializeFn[C]) RuleFns[C] {
	return New(r.serialize, deserialize)
}

func DefaultSerialize[C any](_ *applyctx.SerializeCtx, component *C, w io.Writer) error {
	return json.NewEncoder(w).Encode(component)
}

func DefaultDeserialize[C any](ctx *applyctx.WriteCtx, r io.Reader) (C, error) {
	var component C
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&component); err != nil {
		return component, err
	}
	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		var zero C
		return zero, errors.Wrapf(ErrMalformed, "trailing data after %s", reflect.TypeFor[C]())
	}
	MapValue(ctx, &component)
	return component, nil
}

// MapValue translates the entity references of component when it implements MapEntities.
func MapValue[C any](ctx *applyctx.WriteCtx, component *C) {
	if mapped, ok := any(component).(MapEntities); ok {
		mapped.MapEntities(ctx)
	}
}

// Untyped is a RuleFns with its component type erased.
type Untyped struct {
	typ       reflect.Type
	rule      any
	serialize func(ctx *applyctx.SerializeCtx, value any, w io.Writer) error
}

func (r RuleFns[C]) Erase() Untyped {
	return Untyped{
		typ:  reflect.TypeFor[C](),
		rule: r,
		serialize: func(ctx *applyctx.SerializeCtx, value any, w io.Writer) error {
			switch component := value.(type) {
			case C:
				return r.serialize(ctx, &component, w)
			case *C:
				return r.serialize(ctx, component, w)
			default:
				return errors.Wrapf(models.ErrComponentType, "expected %s, got %T", reflect.TypeFor[C](), value)
			}
		},
	}
}

func (u Untyped) Type() reflect.Type {
	return u.typ
}

// Serialize writes value, which must be a C or *C.
func (u Untyped) Serialize(ctx *applyctx.SerializeCtx, value any, w io.Writer) error {
	return u.serialize(ctx, value, w)
}

// Typed restores the RuleFns behind u. It panics if C is not the erased type.
func Typed[C any](u Untyped) RuleFns[C] {
	rule, ok := u.rule.(RuleFns[C])
	if !ok {
		panic(fmt.Sprintf("rule functions are for %s, not %s", u.typ, reflect.TypeFor[C]()))
	}
	return rule
}
