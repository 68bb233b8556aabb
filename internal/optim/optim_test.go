package optim

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestParseMethod(t *testing.T) {
	for _, m := range Methods {
		parsed, err := ParseMethod(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	parsed, err := ParseMethod("Adam")
	require.NoError(t, err)
	assert.Equal(t, Adam, parsed)

	_, err = ParseMethod("rmsprop")
	require.Error(t, err)
	_, err = New("rmsprop", NewPerplexityDecay(0.1, 1, -1), 0, 0)
	require.Error(t, err)
	_, err = New(SGD, nil, 0, 0)
	require.Error(t, err)
}

// newQuadratic creates a context with the given params and a single variable "x" set to x0, and returns
// a function that runs one optimizer step of the loss (x-3)^2 and returns the new value of x.
func newQuadratic(t *testing.T, o *Optim, x0 float32, params map[string]any) (*context.Context, func() float32) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(params)
	xVar := ctx.VariableWithValue("x", x0)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, target *Node) *Node {
		g := target.Graph()
		loss := Square(Sub(xVar.ValueGraph(g), target))
		o.UpdateGraph(ctx, g, loss)
		return o.GradNormGraph(g)
	})
	return ctx, func() float32 {
		err := exceptions.TryCatch[error](func() { exec.Call(float32(3)) })
		require.NoError(t, err)
		return tensors.ToScalar[float32](xVar.Value())
	}
}

// quadraticStep runs numSteps of newQuadratic, and returns the context and the final value of x.
func quadraticStep(t *testing.T, o *Optim, x0 float32, numSteps int) (*context.Context, float32) {
	ctx, step := newQuadratic(t, o, x0, nil)
	x := x0
	for range numSteps {
		x = step()
	}
	return ctx, x
}

func TestMethodsFirstStep(t *testing.T) {
	for _, tc := range []struct {
		method Method
		want   float32
	}{
		// Gradient at x=0 is -6.
		{SGD, 0.6},
		{Adagrad, 0.1},
		{Adam, 0.1},
		{Adadelta, 0.1 * 6 * 1e-3 / 1.8973666},
	} {
		o, err := New(tc.method, NewPerplexityDecay(0.1, 1, -1), 0, 0)
		require.NoError(t, err)
		_, x := quadraticStep(t, o, 0, 1)
		assert.InDelta(t, tc.want, x, 1e-4, "method %s", tc.method)
	}
}

func TestClipAndWeightDecay(t *testing.T) {
	// Clipped to a global norm of 1: the step is lr*1.
	o, err := New(SGD, NewPerplexityDecay(0.1, 1, -1), 0, 1)
	require.NoError(t, err)
	_, x := quadraticStep(t, o, 0, 1)
	assert.InDelta(t, 0.1, x, 1e-5)

	// Clipping above the norm does nothing.
	o, err = New(SGD, NewPerplexityDecay(0.1, 1, -1), 0, 100)
	require.NoError(t, err)
	_, x = quadraticStep(t, o, 0, 1)
	assert.InDelta(t, 0.6, x, 1e-5)

	// Gradient at x=2 is -2, plus weight decay 0.5*2.
	o, err = New(SGD, NewPerplexityDecay(0.1, 1, -1), 0.5, 0)
	require.NoError(t, err)
	_, x = quadraticStep(t, o, 2, 1)
	assert.InDelta(t, 2.1, x, 1e-5)
}

func TestConverges(t *testing.T) {
	o, err := New(Adam, NewCosineAnnealing(0.1, 0, 10), 0, 5)
	require.NoError(t, err)
	ctx, x := quadraticStep(t, o, 0, 200)
	assert.InDelta(t, 3, x, 0.1)

	// T_max = 0: constant learning rate.
	lr, found := LearningRateValue(ctx)
	require.True(t, found)
	assert.InDelta(t, 0.1, lr, 1e-7)
}

func TestAdamEpsilonParam(t *testing.T) {
	// Gradient at x=0 is -6, so the first Adam step is lr*6/(6+epsilon).
	o, err := New(Adam, NewPerplexityDecay(0.1, 1, -1), 0, 0)
	require.NoError(t, err)
	_, step := newQuadratic(t, o, 0, map[string]any{optimizers.ParamAdamEpsilon: 6.0})
	assert.InDelta(t, 0.05, step(), 1e-5)

	// Adagrad: lr*6/(6+epsilon).
	o, err = New(Adagrad, NewPerplexityDecay(0.1, 1, -1), 0, 0)
	require.NoError(t, err)
	_, step = newQuadratic(t, o, 0, map[string]any{ParamAdagradEpsilon: 2.0})
	assert.InDelta(t, 0.075, step(), 1e-5)
}

func TestCosineAnnealingInGraph(t *testing.T) {
	// T_max = 4 epochs of 2 steps: the learning rate decreases over the 8 steps of the period.
	s := NewCosineAnnealing(0.1, 5, 2)
	require.Equal(t, 8, s.PeriodSteps())
	o, err := New(SGD, s, 0, 0)
	require.NoError(t, err)
	ctx, step := newQuadratic(t, o, 0, nil)
	previous := 0.1 + 1e-6
	for ii := range 6 {
		step()
		lr, found := LearningRateValue(ctx)
		require.True(t, found)
		assert.Less(t, lr, previous, "step %d", ii)
		assert.Greater(t, lr, 0.0, "step %d", ii)
		previous = lr
	}

	// Epoch ends don't change it: the learning rate follows the global step.
	o.UpdateLearningRate(ctx, 1.0, 3)
	lr, _ := LearningRateValue(ctx)
	assert.Equal(t, previous, lr)
	assert.Equal(t, 0.1, o.LearningRate())
}

func TestUpdateLearningRateAndClear(t *testing.T) {
	o, err := New(Adam, NewPerplexityDecay(0.1, 0.5, 1), 0, 0)
	require.NoError(t, err)
	ctx, _ := quadraticStep(t, o, 0, 3)
	lr, found := LearningRateValue(ctx)
	require.True(t, found)
	assert.InDelta(t, 0.1, lr, 1e-7)

	step := ctx.InspectVariable(StateScope, "step")
	require.NotNil(t, step)
	assert.Equal(t, float32(3), tensors.ToScalar[float32](step.Value()))

	o.UpdateLearningRate(ctx, 1.0, 1)
	lr, _ = LearningRateValue(ctx)
	assert.InDelta(t, 0.05, lr, 1e-7)
	assert.InDelta(t, 0.05, o.LearningRate(), 1e-12)

	// The optimizer state was rebuilt.
	assert.Equal(t, float32(0), tensors.ToScalar[float32](step.Value()))
	m := ctx.InspectVariable(StateScope, "x_m")
	require.NotNil(t, m)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](m.Value()))
}
