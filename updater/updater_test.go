package updater

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

const float64EqualityThreshold = 1e-8

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= float64EqualityThreshold
}

func sum(vertex, context float64) float64 {
	return vertex + context
}

func TestRunFibonacci(t *testing.T) {
	u := New(0, 1)
	if err := u.SetUpdate(sum); err != nil {
		t.Fatalf("set update: %v", err)
	}

	if err := u.Run(); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if u.Vertex() != 55 {
		t.Errorf("10th fibonacci number: got %v, want 55", u.Vertex())
	}

	if err := u.Run(); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if u.Vertex() != 6765 {
		t.Errorf("20th fibonacci number: got %v, want 6765", u.Vertex())
	}
	if u.Context() != 10946 {
		t.Errorf("context after two runs: got %v, want 10946", u.Context())
	}

	state := u.State()
	if state.SuperStep != 2 || state.Steps != 20 {
		t.Errorf("counters: got superstep %d steps %d, want 2 and 20", state.SuperStep, state.Steps)
	}
}

func TestRunSeesEveryVertex(t *testing.T) {
	product := 1.0
	u := New(0, 1)
	u.SetUpdate(func(vertex, context float64) float64 {
		product *= context
		return vertex + context
	})

	if err := u.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if product != 122522400 {
		t.Errorf("product of the first ten fibonacci numbers: got %v, want 122522400", product)
	}
}

func TestRunPower(t *testing.T) {
	u := New(1, 2)
	u.SetUpdate(func(vertex, context float64) float64 {
		return vertex * context
	})

	if err := u.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if u.Vertex() != math.Pow(2, 55) {
		t.Errorf("got %v, want 2^55", u.Vertex())
	}
	if u.Vertex() != 36028797018963968 {
		t.Errorf("got %v, want 36028797018963968", u.Vertex())
	}
}

func TestSetUpdateReplacesFunction(t *testing.T) {
	u := New(0, 1, WithStepsPerRun(1))
	u.SetUpdate(sum)
	u.Run()

	u.SetUpdate(func(vertex, context float64) float64 {
		return context - vertex
	})
	u.Run()

	// (0,1) -> (1,1) -> (1,0)
	if u.Vertex() != 1 || u.Context() != 0 {
		t.Errorf("got (%v, %v), want (1, 0)", u.Vertex(), u.Context())
	}
}

func TestSetUpdateNil(t *testing.T) {
	u := New(0, 1)
	if err := u.SetUpdate(nil); !errors.Is(err, ErrNilUpdate) {
		t.Errorf("got %v, want ErrNilUpdate", err)
	}
}

func TestRunWithoutUpdate(t *testing.T) {
	u := New(3, 4)
	if err := u.Run(); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("got %v, want ErrNoUpdate", err)
	}
	if err := u.Step(); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("step: got %v, want ErrNoUpdate", err)
	}
	if u.Vertex() != 3 || u.Context() != 4 || u.SuperStep() != 0 {
		t.Errorf("failed run changed the updater: %+v", u.State())
	}
}

func TestStepsPerRun(t *testing.T) {
	u := New(0, 1, WithStepsPerRun(20))
	u.SetUpdate(sum)
	u.Run()
	if u.Vertex() != 6765 {
		t.Errorf("got %v, want 6765", u.Vertex())
	}

	if New(0, 1, WithStepsPerRun(0)).StepsPerRun() != DEFAULT_STEPS_PER_RUN {
		t.Errorf("zero steps per run should keep the default")
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	u := New(0, 1)
	u.SetUpdate(func(vertex, context float64) float64 {
		steps++
		if steps == 4 {
			cancel()
		}
		return vertex + context
	})

	err := u.RunContext(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	state := u.State()
	if state.Steps != 4 {
		t.Errorf("steps applied before cancel: got %d, want 4", state.Steps)
	}
	if state.SuperStep != 0 {
		t.Errorf("cancelled run counted as a superstep")
	}
}

func TestRestore(t *testing.T) {
	u := New(0, 1)
	u.SetUpdate(sum)
	u.Run()
	saved := u.State()
	u.Run()

	u.Restore(saved)
	if u.Vertex() != 55 || u.SuperStep() != 1 {
		t.Fatalf("restore: got %+v", u.State())
	}
	u.Run()
	if !almostEqual(u.Vertex(), 6765) {
		t.Errorf("run after restore: got %v, want 6765", u.Vertex())
	}
}

func TestStateJSONKeepsNonFiniteValues(t *testing.T) {
	for _, state := range []UpdaterState{
		{Vertex: math.Inf(1), Context: math.Inf(-1), SuperStep: 2, Steps: 20},
		{Vertex: math.NaN(), Context: 3.5, SuperStep: 1, Steps: 10},
	} {
		data, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("marshal %+v: %v", state, err)
		}
		var got UpdaterState
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		sameVertex := got.Vertex == state.Vertex || (math.IsNaN(got.Vertex) && math.IsNaN(state.Vertex))
		if !sameVertex || got.Context != state.Context || got.Steps != state.Steps {
			t.Errorf("round trip of %s: got %+v", data, got)
		}
	}

	var got UpdaterState
	if err := json.Unmarshal([]byte(`{"vertex":"Infinity","context":1}`), &got); err != nil {
		t.Fatalf("unmarshal Infinity: %v", err)
	}
	if !math.IsInf(got.Vertex, 1) {
		t.Errorf("Infinity: got %v", got.Vertex)
	}
	if err := json.Unmarshal([]byte(`{"vertex":"fifty-five"}`), &got); err == nil {
		t.Errorf("expected an error for a non-numeric string")
	}
}
