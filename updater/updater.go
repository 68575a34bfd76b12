package updater

import (
	"context"
	"encoding/json"
	"errors"

	"vertexcentric/database"
)

const DEFAULT_STEPS_PER_RUN = 10

var (
	ErrNoUpdate  = errors.New("updater: no update function set")
	ErrNilUpdate = errors.New("updater: update function is nil")
)

// UpdateFunc receives the current vertex and context values and returns the
// next context value.
type UpdateFunc func(vertex, context float64) float64

// UpdaterState is the externally visible state of an Updater. It is what
// workers checkpoint and report back to the coord.
type UpdaterState struct {
	Vertex    float64 `json:"vertex"`
	Context   float64 `json:"context"`
	SuperStep uint64  `json:"superStep"` // completed runs
	Steps     uint64  `json:"steps"`     // completed update steps
}

type updaterStateJSON struct {
	Vertex    database.Float `json:"vertex"`
	Context   database.Float `json:"context"`
	SuperStep uint64         `json:"superStep"`
	Steps     uint64         `json:"steps"`
}

// MarshalJSON writes non-finite vertex and context values as "+Inf", "-Inf"
// or "NaN", since long runs can overflow.
func (s UpdaterState) MarshalJSON() ([]byte, error) {
	return json.Marshal(updaterStateJSON{
		Vertex:    database.Float(s.Vertex),
		Context:   database.Float(s.Context),
		SuperStep: s.SuperStep,
		Steps:     s.Steps,
	})
}

func (s *UpdaterState) UnmarshalJSON(data []byte) error {
	var raw updaterStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = UpdaterState{
		Vertex:    float64(raw.Vertex),
		Context:   float64(raw.Context),
		SuperStep: raw.SuperStep,
		Steps:     raw.Steps,
	}
	return nil
}

// Updater repeatedly applies an UpdateFunc to a (vertex, context) pair.
// One step computes next = f(vertex, context), then shifts
// vertex = context and context = next. Updaters are not safe for concurrent
// use.
type Updater struct {
	vertex      float64
	context     float64
	update      UpdateFunc
	stepsPerRun int
	superStep   uint64
	steps       uint64
}

type Option func(*Updater)

// WithStepsPerRun sets how many steps Run applies. Values below 1 keep the
// default.
func WithStepsPerRun(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.stepsPerRun = n
		}
	}
}

func New(vertex, context float64, opts ...Option) *Updater {
	u := &Updater{
		vertex:      vertex,
		context:     context,
		stepsPerRun: DEFAULT_STEPS_PER_RUN,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetUpdate replaces the update function.
func (u *Updater) SetUpdate(fn UpdateFunc) error {
	if fn == nil {
		return ErrNilUpdate
	}
	u.update = fn
	return nil
}

func (u *Updater) Step() error {
	if u.update == nil {
		return ErrNoUpdate
	}
	next := u.update(u.vertex, u.context)
	u.vertex = u.context
	u.context = next
	u.steps++
	return nil
}

func (u *Updater) Run() error {
	return u.RunContext(context.Background())
}

// RunContext applies StepsPerRun steps, checking ctx between steps. A
// cancelled run keeps the steps it already applied but does not count as a
// completed superstep.
func (u *Updater) RunContext(ctx context.Context) error {
	if u.update == nil {
		return ErrNoUpdate
	}
	for i := 0; i < u.stepsPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.Step(); err != nil {
			return err
		}
	}
	u.superStep++
	return nil
}

func (u *Updater) Vertex() float64 {
	return u.vertex
}

func (u *Updater) Context() float64 {
	return u.context
}

func (u *Updater) SuperStep() uint64 {
	return u.superStep
}

func (u *Updater) StepsPerRun() int {
	return u.stepsPerRun
}

func (u *Updater) State() UpdaterState {
	return UpdaterState{
		Vertex:    u.vertex,
		Context:   u.context,
		SuperStep: u.superStep,
		Steps:     u.steps,
	}
}

// Restore overwrites the values and counters; the update function is kept.
func (u *Updater) Restore(state UpdaterState) {
	u.vertex = state.Vertex
	u.context = state.Context
	u.superStep = state.SuperStep
	u.steps = state.Steps
}
