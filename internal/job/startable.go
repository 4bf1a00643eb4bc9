package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Startable is the caller-supplied execution behavior of a job.
//
// Start runs synchronously from the slot's point of view. ctx is the
// cancellation signal for timeout, kill and shutdown; behaviors are expected
// to observe it, but nothing forces them to. A false result or a non-nil
// error marks the job FAILED.
//
// A behavior that ignores ctx may still be running after its job was
// recorded TIMEOUT or KILLED. Execution is at least once: a job whose
// worker died mid-run is reaped as TIMEOUT and may be retried, so Start
// can run more than once for the same logical work.
type Startable interface {
	Start(ctx context.Context) (bool, error)
}

// StartFunc adapts a function to Startable.
type StartFunc func(ctx context.Context) (bool, error)

func (f StartFunc) Start(ctx context.Context) (bool, error) { return f(ctx) }

// Factory builds the behavior for a job, typically closing over its payload.
type Factory func(j *Job) (Startable, error)

// Registry maps job kinds to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("job kind required")
	}
	if f == nil {
		return fmt.Errorf("job kind %q: nil factory", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("job kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	_, ok := r.factories[strings.TrimSpace(kind)]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build returns the behavior for j.
func (r *Registry) Build(j *Job) (Startable, error) {
	r.mu.RLock()
	f, ok := r.factories[j.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
	st, err := f(j)
	if err != nil {
		return nil, fmt.Errorf("build %q: %w", j.Kind, err)
	}
	if st == nil {
		return nil, fmt.Errorf("build %q: nil behavior", j.Kind)
	}
	return st, nil
}

// RegisterBuiltins adds the "noop" and "sleep" kinds.
//
// sleep takes {"duration":"2s","result":true} and honours cancellation.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register("noop", func(*Job) (Startable, error) {
		return StartFunc(func(context.Context) (bool, error) { return true, nil }), nil
	}); err != nil {
		return err
	}
	return r.Register("sleep", func(j *Job) (Startable, error) {
		var p struct {
			Duration string `json:"duration"`
			Result   *bool  `json:"result"`
		}
		if err := j.DecodeData(&p); err != nil {
			return nil, err
		}
		d := time.Second
		if s := strings.TrimSpace(p.Duration); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("sleep: invalid duration %q", s)
			}
			d = v
		}
		result := true
		if p.Result != nil {
			result = *p.Result
		}
		return StartFunc(func(ctx context.Context) (bool, error) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return result, nil
			case <-ctx.Done():
				return false, context.Cause(ctx)
			}
		}), nil
	})
}
