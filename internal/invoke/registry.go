// Package invoke resolves a job's InvokeMeta and parameters into a callable body.
//
// Handlers are plain Go functions registered under a (type, method) pair. A
// handler parameter of type context.Context, Reporter or *gate.Gate is
// injected by the executor; every other parameter is decoded, in order, from
// the job's JSON argument array. A handler returns nothing, an error, or a
// value and an error.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
)

var (
	ErrUnknownMethod     = errors.New("no handler registered")
	ErrTypeNotAllowed    = errors.New("type is not in the allowed list")
	ErrSignatureMismatch = errors.New("parameter types do not match the handler")
	ErrArgumentCount     = errors.New("wrong number of arguments")
)

// Reporter receives progress updates from a running body
type Reporter interface {
	Report(percent *int, note, data string)
}

// Env carries the per-execution values injected into a handler
type Env struct {
	Reporter Reporter
	Gate     *gate.Gate
	Signal   *gate.Signal
}

// Body is a resolved, ready to run job
type Body func(ctx context.Context, env Env) error

// Resolver turns stored invocation metadata into a Body
type Resolver interface {
	Resolve(meta domain.InvokeMeta, params []byte) (Body, error)
}

type injection int

const (
	injectArg injection = iota
	injectContext
	injectReporter
	injectGate
	injectSignal
)

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	reporterType = reflect.TypeOf((*Reporter)(nil)).Elem()
	gateType     = reflect.TypeOf((*gate.Gate)(nil))
	signalType   = reflect.TypeOf((*gate.Signal)(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

type handler struct {
	fn         reflect.Value
	inputs     []injection
	args       []reflect.Type
	paramTypes []string
}

var _ Resolver = (*Registry)(nil)

// Registry maps (type, method) pairs to handler functions. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*handler
	allowed  map[string]struct{}
}

// Option configures a Registry
type Option func(*Registry)

// WithAllowedTypes restricts resolution to the listed types. An empty list allows all.
func WithAllowedTypes(types ...string) Option {
	return func(r *Registry) {
		if len(types) == 0 {
			return
		}
		r.allowed = make(map[string]struct{}, len(types))
		for _, t := range types {
			r.allowed[t] = struct{}{}
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{handlers: make(map[string]*handler)}
	for _, o := range opts {
		o(r)
	}
	return r
}

func key(typeName, method string) string {
	return typeName + "." + method
}

// Register adds fn under typeName.method, replacing any previous handler
func (r *Registry) Register(typeName, method string, fn any) error {
	if typeName == "" || method == "" {
		return domain.NewConfigurationError("handler", "type and method are required")
	}
	h, err := inspect(fn)
	if err != nil {
		return domain.NewConfigurationError(key(typeName, method), err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(typeName, method)] = h
	return nil
}

// MustRegister is Register for package init code; it panics on error
func (r *Registry) MustRegister(typeName, method string, fn any) {
	if err := r.Register(typeName, method, fn); err != nil {
		panic(err)
	}
}

// Methods lists the registered type.method names, sorted
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve validates meta against the registered handler and decodes params.
// Every failure is a *domain.ResolutionError.
func (r *Registry) Resolve(meta domain.InvokeMeta, params []byte) (Body, error) {
	if r.allowed != nil {
		if _, ok := r.allowed[meta.Type]; !ok {
			return nil, domain.NewResolutionError(meta, ErrTypeNotAllowed)
		}
	}

	r.mu.RLock()
	h, ok := r.handlers[key(meta.Type, meta.Method)]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewResolutionError(meta, ErrUnknownMethod)
	}

	if len(meta.ParamTypes) > 0 && !equalStrings(meta.ParamTypes, h.paramTypes) {
		return nil, domain.NewResolutionError(meta,
			fmt.Errorf("%w: want %v, got %v", ErrSignatureMismatch, h.paramTypes, meta.ParamTypes))
	}

	args, err := h.decode(params)
	if err != nil {
		return nil, domain.NewResolutionError(meta, err)
	}

	return func(ctx context.Context, env Env) error {
		return h.call(ctx, env, args)
	}, nil
}

func (h *handler) decode(params []byte) ([]reflect.Value, error) {
	var raw []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &raw); err != nil {
			return nil, fmt.Errorf("parameters must be a JSON array: %w", err)
		}
	}
	if len(raw) != len(h.args) {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrArgumentCount, len(h.args), len(raw))
	}

	out := make([]reflect.Value, len(raw))
	for i, t := range h.args {
		ptr := reflect.New(t)
		if err := json.Unmarshal(raw[i], ptr.Interface()); err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, t, err)
		}
		out[i] = ptr.Elem()
	}
	return out, nil
}

func (h *handler) call(ctx context.Context, env Env, args []reflect.Value) error {
	reporter := env.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	in := make([]reflect.Value, len(h.inputs))
	next := 0
	for i, kind := range h.inputs {
		switch kind {
		case injectContext:
			in[i] = reflect.ValueOf(&ctx).Elem()
		case injectReporter:
			in[i] = reflect.ValueOf(&reporter).Elem()
		case injectGate:
			in[i] = reflect.ValueOf(env.Gate)
		case injectSignal:
			in[i] = reflect.ValueOf(env.Signal)
		default:
			in[i] = args[next]
			next++
		}
	}

	out := h.fn.Call(in)
	if len(out) == 0 {
		return nil
	}
	if err, _ := out[len(out)-1].Interface().(error); err != nil {
		return err
	}
	return nil
}

func inspect(fn any) (*handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.New("handler must be a non-nil function")
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, errors.New("variadic handlers are not supported")
	}

	switch t.NumOut() {
	case 0:
	case 1, 2:
		if t.Out(t.NumOut()-1) != errorType {
			return nil, errors.New("last return value must be error")
		}
	default:
		return nil, errors.New("handler returns too many values")
	}

	h := &handler{fn: v, inputs: make([]injection, t.NumIn())}
	for i := 0; i < t.NumIn(); i++ {
		switch in := t.In(i); in {
		case contextType:
			h.inputs[i] = injectContext
		case reporterType:
			h.inputs[i] = injectReporter
		case gateType:
			h.inputs[i] = injectGate
		case signalType:
			h.inputs[i] = injectSignal
		default:
			h.inputs[i] = injectArg
			h.args = append(h.args, in)
			h.paramTypes = append(h.paramTypes, in.String())
		}
	}
	return h, nil
}

// MetaOf builds the InvokeMeta a producer stores for fn registered as typeName.method
func MetaOf(typeName, method string, fn any) (domain.InvokeMeta, error) {
	h, err := inspect(fn)
	if err != nil {
		return domain.InvokeMeta{}, err
	}
	return domain.InvokeMeta{Type: typeName, Method: method, ParamTypes: h.paramTypes}, nil
}

// Params encodes call arguments the way Resolve decodes them
func Params(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return b, nil
}

type nopReporter struct{}

func (nopReporter) Report(*int, string, string) {}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
