package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownUpdater = errors.New("updater: unknown updater")
	ErrUpdaterExists  = errors.New("updater: updater already exists")
	ErrInvalidName    = errors.New("updater: name is empty")
)

// UpdaterView is a named updater as reported by the registry.
type UpdaterView struct {
	Name        string       `json:"name"`
	Program     string       `json:"program,omitempty"`
	StepsPerRun int          `json:"stepsPerRun"`
	State       UpdaterState `json:"state"`
}

type registered struct {
	updater *Updater
	program string
}

// Registry keeps named updaters for callers that cannot hold an *Updater
// themselves, such as the HTTP API.
type Registry struct {
	mx       sync.Mutex
	programs *Programs
	updaters map[string]*registered
}

func NewRegistry(programs *Programs) *Registry {
	return &Registry{
		programs: programs,
		updaters: make(map[string]*registered),
	}
}

func (r *Registry) Create(name string, vertex, context float64, stepsPerRun int) (UpdaterView, error) {
	if name == "" {
		return UpdaterView{}, ErrInvalidName
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.updaters[name]; ok {
		return UpdaterView{}, fmt.Errorf("%w: %s", ErrUpdaterExists, name)
	}
	entry := &registered{updater: New(vertex, context, WithStepsPerRun(stepsPerRun))}
	r.updaters[name] = entry
	return entry.view(name), nil
}

func (r *Registry) SetProgram(name string, program string) (UpdaterView, error) {
	fn, err := r.programs.Lookup(program)
	if err != nil {
		return UpdaterView{}, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	entry, err := r.lookup(name)
	if err != nil {
		return UpdaterView{}, err
	}
	if err := entry.updater.SetUpdate(fn); err != nil {
		return UpdaterView{}, err
	}
	entry.program = program
	return entry.view(name), nil
}

func (r *Registry) Run(ctx context.Context, name string) (UpdaterView, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	entry, err := r.lookup(name)
	if err != nil {
		return UpdaterView{}, err
	}
	if err := entry.updater.RunContext(ctx); err != nil {
		return entry.view(name), err
	}
	return entry.view(name), nil
}

func (r *Registry) Get(name string) (UpdaterView, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	entry, err := r.lookup(name)
	if err != nil {
		return UpdaterView{}, err
	}
	return entry.view(name), nil
}

func (r *Registry) Delete(name string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, err := r.lookup(name); err != nil {
		return err
	}
	delete(r.updaters, name)
	return nil
}

func (r *Registry) List() []UpdaterView {
	r.mx.Lock()
	defer r.mx.Unlock()
	views := make([]UpdaterView, 0, len(r.updaters))
	for name, entry := range r.updaters {
		views = append(views, entry.view(name))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Name < views[j].Name
	})
	return views
}

// callers hold r.mx
func (r *Registry) lookup(name string) (*registered, error) {
	entry, ok := r.updaters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpdater, name)
	}
	return entry, nil
}

func (e *registered) view(name string) UpdaterView {
	return UpdaterView{
		Name:        name,
		Program:     e.program,
		StepsPerRun: e.updater.StepsPerRun(),
		State:       e.updater.State(),
	}
}
