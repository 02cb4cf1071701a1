package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrDuplicateTask = errors.New("task already registered")

// TaskFunc is a task returning its result directly. The result can be any
// value the codec is able to marshal, a Thenable or a *Stream.
type TaskFunc func(ctx context.Context, p Params) (any, error)

// CallbackFunc is a task reporting its result through done. Only the first
// call of done counts.
type CallbackFunc func(ctx context.Context, p Params, done func(any, error))

// Thenable is a deferred result settled through one of the callbacks.
type Thenable interface {
	Then(onValue func(any), onError func(error))
}

type task func(ctx context.Context, p Params, done func(any, error))

// Registry maps task names to functions served by a worker process.
type Registry struct {
	mx    sync.RWMutex
	tasks map[string]task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]task)}
}

func (r *Registry) Register(name string, fn TaskFunc) error {
	return r.add(name, func(ctx context.Context, p Params, done func(any, error)) {
		done(fn(ctx, p))
	})
}

func (r *Registry) RegisterCallback(name string, fn CallbackFunc) error {
	return r.add(name, task(fn))
}

// RegisterTasks registers all tasks of a map. Values must be TaskFunc,
// CallbackFunc or one of their underlying function types.
func (r *Registry) RegisterTasks(tasks map[string]any) error {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		var err error
		switch fn := tasks[name].(type) {
		case TaskFunc:
			err = r.Register(name, fn)
		case func(context.Context, Params) (any, error):
			err = r.Register(name, fn)
		case CallbackFunc:
			err = r.RegisterCallback(name, fn)
		case func(context.Context, Params, func(any, error)):
			err = r.RegisterCallback(name, fn)
		default:
			err = fmt.Errorf("task %q: unsupported type %T", name, fn)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) MustRegister(name string, fn TaskFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) MustRegisterCallback(name string, fn CallbackFunc) {
	if err := r.RegisterCallback(name, fn); err != nil {
		panic(err)
	}
}

// Names returns sorted names of registered tasks.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func (r *Registry) add(name string, t task) error {
	if name == "" {
		return errors.New("task name is empty")
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	r.tasks[name] = t
	return nil
}

func (r *Registry) lookup(name string) (task, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}
