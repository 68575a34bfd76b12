package updater

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// names of the built in programs
const (
	FIBONACCI = "fibonacci"
	POWER     = "power"
)

var (
	ErrUnknownProgram = errors.New("updater: unknown program")
	ErrProgramExists  = errors.New("updater: program already registered")
)

// ProgramFactory returns a fresh UpdateFunc for every updater that uses the
// program, so programs may keep per-updater state in a closure.
type ProgramFactory func() UpdateFunc

// Programs maps program names to factories. Update functions cannot be sent
// over the wire, so jobs refer to them by name.
type Programs struct {
	mx        sync.RWMutex
	factories map[string]ProgramFactory
}

func NewPrograms() *Programs {
	return &Programs{factories: make(map[string]ProgramFactory)}
}

// DefaultPrograms holds fibonacci (v + c) and power (v * c).
func DefaultPrograms() *Programs {
	p := NewPrograms()
	p.factories[FIBONACCI] = func() UpdateFunc {
		return func(vertex, context float64) float64 {
			return vertex + context
		}
	}
	p.factories[POWER] = func() UpdateFunc {
		return func(vertex, context float64) float64 {
			return vertex * context
		}
	}
	return p
}

func (p *Programs) Register(name string, factory ProgramFactory) error {
	if name == "" {
		return errors.New("updater: program name is empty")
	}
	if factory == nil {
		return fmt.Errorf("updater: program %q has no factory", name)
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if _, ok := p.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrProgramExists, name)
	}
	p.factories[name] = factory
	return nil
}

func (p *Programs) Lookup(name string) (UpdateFunc, error) {
	p.mx.RLock()
	factory, ok := p.factories[name]
	p.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
	}
	return factory(), nil
}

func (p *Programs) Has(name string) bool {
	p.mx.RLock()
	defer p.mx.RUnlock()
	_, ok := p.factories[name]
	return ok
}

func (p *Programs) Names() []string {
	p.mx.RLock()
	names := make([]string, 0, len(p.factories))
	for name := range p.factories {
		names = append(names, name)
	}
	p.mx.RUnlock()
	sort.Strings(names)
	return names
}

// newUpdater builds an updater from an UpdaterSpec with the named program set.
func (p *Programs) newUpdater(spec UpdaterSpec, stepsPerRun int) (*Updater, error) {
	fn, err := p.Lookup(spec.Program)
	if err != nil {
		return nil, err
	}
	u := New(spec.Vertex, spec.Context, WithStepsPerRun(stepsPerRun))
	if err := u.SetUpdate(fn); err != nil {
		return nil, err
	}
	return u, nil
}
