package maintenance

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashita-ai/maintask/internal/iteration"
	"github.com/ashita-ai/maintask/internal/model"
)

// Throttle is a named throttle condition. NewBackoff is called once per
// attempt so that stateful backoffs are never shared between Runs.
type Throttle struct {
	Name       string
	When       func(ctx context.Context) bool
	NewBackoff func() backoff.BackOff
}

// Definition is the immutable registration of a task.
type Definition struct {
	name        string
	factory     func(Args) (Task, error)
	adapter     iteration.Adapter
	throttles   []Throttle
	params      []model.ParamSpec
	parallel    bool
	collects    bool
	description string
}

func (d *Definition) Name() string               { return d.name }
func (d *Definition) Adapter() iteration.Adapter { return d.adapter }
func (d *Definition) Parallel() bool             { return d.parallel }

// Params returns a copy of the declared parameter schema.
func (d *Definition) Params() []model.ParamSpec { return slices.Clone(d.params) }

// Throttles returns a copy of the flattened throttle list, parents first.
func (d *Definition) Throttles() []Throttle { return slices.Clone(d.throttles) }

// Info describes the definition for catalogs.
func (d *Definition) Info() model.TaskInfo {
	names := make([]string, len(d.throttles))
	for i, t := range d.throttles {
		names[i] = t.Name
	}
	return model.TaskInfo{
		Name:        d.name,
		Description: d.description,
		Collection:  d.adapter.Kind().String(),
		Params:      d.Params(),
		RequiresCSV: d.adapter.Kind().UsesFile(),
		Parallel:    d.parallel,
		Throttles:   names,
	}
}

// conditions builds fresh throttle conditions for one attempt.
func (d *Definition) conditions() []iteration.Condition {
	conds := make([]iteration.Condition, len(d.throttles))
	for i, t := range d.throttles {
		var b backoff.BackOff
		if t.NewBackoff != nil {
			b = t.NewBackoff()
		}
		conds[i] = iteration.Condition{Name: t.Name, When: t.When, Backoff: b}
	}
	return conds
}

type definitionBuilder struct {
	parent      *Definition
	adapter     iteration.Adapter
	throttles   []Throttle
	params      []model.ParamSpec
	parallel    bool
	description string
}

// Option configures a task registration.
type Option func(*definitionBuilder)

// WithCollection sets the collection adapter. Tasks without one iterate
// iteration.NoCollection.
func WithCollection(a iteration.Adapter) Option {
	return func(b *definitionBuilder) { b.adapter = a }
}

// WithThrottle adds a throttle condition with a constant backoff. A zero
// backoff uses iteration.DefaultThrottleBackoff.
func WithThrottle(name string, when func(ctx context.Context) bool, d time.Duration) Option {
	return WithThrottleBackoff(name, when, func() backoff.BackOff { return iteration.Constant(d) })
}

// WithThrottleBackoff adds a throttle condition whose backoff is built per
// attempt by newBackoff.
func WithThrottleBackoff(name string, when func(ctx context.Context) bool, newBackoff func() backoff.BackOff) Option {
	return func(b *definitionBuilder) {
		b.throttles = append(b.throttles, Throttle{Name: name, When: when, NewBackoff: newBackoff})
	}
}

// WithParams declares the task's parameters.
func WithParams(specs ...model.ParamSpec) Option {
	return func(b *definitionBuilder) { b.params = append(b.params, specs...) }
}

// WithDescription sets the catalog description.
func WithDescription(s string) Option {
	return func(b *definitionBuilder) { b.description = s }
}

// Parallel processes the elements of each batch concurrently. Only valid with
// batched adapters.
func Parallel() Option {
	return func(b *definitionBuilder) { b.parallel = true }
}

// Extends inherits parent's adapter, throttles, parameters and parallel mode.
// Inherited throttles run before the task's own; a parameter declared by both
// takes the child's spec.
func Extends(parent *Definition) Option {
	return func(b *definitionBuilder) { b.parent = parent }
}

func (b *definitionBuilder) build(name string, factory func(Args) (Task, error), collects bool) (*Definition, error) {
	if name == "" {
		return nil, &ConfigError{Reason: "task name is required"}
	}
	if len(name) > model.MaxTaskNameLen {
		return nil, &ConfigError{Reason: fmt.Sprintf("task name exceeds %d characters", model.MaxTaskNameLen)}
	}
	if factory == nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("task %q: factory is required", name)}
	}

	d := &Definition{
		name:        name,
		factory:     factory,
		adapter:     b.adapter,
		parallel:    b.parallel,
		collects:    collects,
		description: b.description,
	}
	if p := b.parent; p != nil {
		if d.adapter == nil {
			d.adapter = p.adapter
		}
		d.throttles = append(slices.Clone(p.throttles), b.throttles...)
		d.params = mergeParams(p.params, b.params)
		d.parallel = d.parallel || p.parallel
		if d.description == "" {
			d.description = p.description
		}
	} else {
		d.throttles = slices.Clone(b.throttles)
		d.params = slices.Clone(b.params)
	}
	if d.adapter == nil {
		d.adapter = iteration.NoCollection{}
	}

	if err := d.adapter.Validate(); err != nil {
		return nil, fmt.Errorf("task %q: %w", name, err)
	}
	kind := d.adapter.Kind()
	if d.parallel && !kind.Batched() {
		return nil, &ConfigError{Reason: fmt.Sprintf("task %q: parallel mode requires a batched collection, got %s", name, kind)}
	}
	if kind.NeedsCollection() && !d.collects {
		return nil, &ConfigError{Reason: fmt.Sprintf("task %q: %s collection requires the task to implement Collector", name, kind)}
	}
	for _, t := range d.throttles {
		if t.When == nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("task %q: throttle %q has no condition", name, t.Name)}
		}
	}
	seen := make(map[string]bool, len(d.params))
	for _, p := range d.params {
		if p.Name == "" || seen[p.Name] {
			return nil, &ConfigError{Reason: fmt.Sprintf("task %q: parameter names must be unique and non-empty", name)}
		}
		seen[p.Name] = true
	}
	if len(d.params) > model.MaxArgumentsCount {
		return nil, &ConfigError{Reason: fmt.Sprintf("task %q: more than %d parameters", name, model.MaxArgumentsCount)}
	}
	return d, nil
}

func mergeParams(parent, child []model.ParamSpec) []model.ParamSpec {
	out := slices.Clone(parent)
	for _, c := range child {
		i := slices.IndexFunc(out, func(p model.ParamSpec) bool { return p.Name == c.Name })
		if i >= 0 {
			out[i] = c
		} else {
			out = append(out, c)
		}
	}
	return out
}

// Registry holds task definitions by name. Registration normally happens at
// startup, after which the registry is sealed; Replace stays available for
// hot-reload environments and only affects attempts that start afterwards.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a task. T is the concrete task type built by factory; it must
// implement Collector when the adapter iterates a task-supplied value.
func Register[T Task](r *Registry, name string, factory func(Args) (T, error), opts ...Option) (*Definition, error) {
	build, collects := erase(factory)
	return r.put(name, build, collects, opts, false)
}

// MustRegister is Register for package initialization. It panics on error.
func MustRegister[T Task](r *Registry, name string, factory func(Args) (T, error), opts ...Option) *Definition {
	d, err := Register(r, name, factory, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Replace registers a task, overwriting any existing definition of the same
// name. Allowed on a sealed registry.
func Replace[T Task](r *Registry, name string, factory func(Args) (T, error), opts ...Option) (*Definition, error) {
	build, collects := erase(factory)
	return r.put(name, build, collects, opts, true)
}

func erase[T Task](factory func(Args) (T, error)) (func(Args) (Task, error), bool) {
	collects := reflect.TypeFor[T]().Implements(reflect.TypeFor[Collector]())
	if factory == nil {
		return nil, collects
	}
	return func(a Args) (Task, error) {
		t, err := factory(a)
		if err != nil {
			return nil, err
		}
		return t, nil
	}, collects
}

func (r *Registry) put(name string, build func(Args) (Task, error), collects bool, opts []Option, replace bool) (*Definition, error) {
	var b definitionBuilder
	for _, opt := range opts {
		opt(&b)
	}
	d, err := b.build(name, build, collects)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !replace {
		if r.sealed {
			return nil, fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
		}
		if _, ok := r.defs[name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, name)
		}
	}
	r.defs[name] = d
	return d, nil
}

// Seal rejects further Register calls.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	d, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &TaskNotFoundError{Name: name}
	}
	return d, nil
}

// Catalog lists every registered task, sorted by name.
func (r *Registry) Catalog() []model.TaskInfo {
	r.mu.RLock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].name < defs[j].name })
	out := make([]model.TaskInfo, len(defs))
	for i, d := range defs {
		out[i] = d.Info()
	}
	return out
}

// Len is the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
