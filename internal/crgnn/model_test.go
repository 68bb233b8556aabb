package crgnn

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/lzhmarkk/SimMST/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// rampTensor returns a float32 tensor with the given dimensions filled with 0, 1, 2, ... scaled by scale.
func rampTensor(scale float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(ii%17) * scale
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func newTestModel(t *testing.T, config string) *CRGNN {
	m, err := New(parameters.NewFromConfigString(config))
	require.NoError(t, err)
	return m
}

const smallModelConfig = "num_nodes=3,layers=2,window=12,horizon=3,residual_channels=4,conv_channels=4," +
	"skip_channels=4,end_channels=8,dropout=0"

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(parameters.NewFromConfigString("residual_channels=8,conv_channels=16"))
	require.Error(t, err)
	_, err = New(parameters.NewFromConfigString("temporal_func=lstm"))
	require.Error(t, err)
	_, err = New(parameters.NewFromConfigString("layers=0"))
	require.Error(t, err)
	_, err = New(parameters.NewFromConfigString("layers=two"))
	require.Error(t, err)
}

func TestNewLayout(t *testing.T) {
	m := newTestModel(t, smallModelConfig)
	assert.Equal(t, 2, m.NumLayers())
	assert.Equal(t, 13, m.ReceptiveField())
	assert.Equal(t, 13, m.Layout().Length)
	assert.Equal(t, 7, m.Block(0).Layer.EndLength)
	assert.Equal(t, 1, m.Block(1).Layer.EndLength)
	assert.Equal(t, []int{4, 3, 7}, m.Block(0).NormDims())
	assert.Panics(t, func() { m.Block(2) })
}

func TestTrailingResidualAlignment(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 1, 10)
	out := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		// h is zero, so the result is whatever residual got aligned to it.
		h := ZerosLike(Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 6)))
		return AddTrailingResidual(h, x)
	}, x)
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9}, tensors.CopyFlatData[float32](out))
}

func TestLayerNormFixedShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	out := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return LayerNorm(ctx.In("norm"), x, []int{2, 3, 4})
	}, rampTensor(1, 2, 2, 3, 4))
	values := tensors.CopyFlatData[float32](out)
	require.Len(t, values, 48)
	for example := range 2 {
		var mean, meanSquare float32
		for _, v := range values[example*24 : (example+1)*24] {
			mean += v / 24
			meanSquare += v * v / 24
		}
		assert.InDelta(t, 0, mean, 1e-4)
		assert.InDelta(t, 1, meanSquare, 1e-2)
	}

	// Any other shape is a fatal error.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return LayerNorm(ctx.In("norm"), x, []int{2, 3, 4})
		}, rampTensor(1, 2, 2, 3, 5))
	})
}

func TestNormalizedAdjacency(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	adjacency := tensors.FromValue([][]float32{{0, 1}, {0, 0}})
	out := context.ExecOnce(backend, context.New(), func(ctx *context.Context, adjacency *Node) *Node {
		return NormalizedAdjacency(adjacency)
	}, adjacency)
	assert.Equal(t, [][]float32{{0.5, 0.5}, {0, 1}}, out.Value())
}

func TestStages(t *testing.T) {
	m := newTestModel(t, smallModelConfig)
	backend := graphtest.BuildTestBackend()
	adjacency := tensors.FromValue([][]float32{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}})
	x := rampTensor(0.1, 2, 4, 3, 13)
	outputs := context.ExecOnceN(backend, m.Context(), func(ctx *context.Context, x, adjacency *Node) []*Node {
		var outputs []*Node
		h := x
		for l := range m.NumLayers() {
			h = m.TemporalLayer(ctx, h, l)
			outputs = append(outputs, h)
			h = m.SpatialLayer(ctx, h, adjacency, l)
			outputs = append(outputs, h)
			h = m.ChannelLayer(ctx, h, l)
			outputs = append(outputs, h)
		}
		return outputs
	}, x, adjacency)
	require.Len(t, outputs, 6)
	for ii, output := range outputs[:3] {
		assert.Equal(t, []int{2, 4, 3, 7}, output.Shape().Dimensions, "output #%d", ii)
	}
	for ii, output := range outputs[3:] {
		assert.Equal(t, []int{2, 4, 3, 1}, output.Shape().Dimensions, "output #%d", ii+3)
	}

	// Stages of different layers own different variables.
	for _, scope := range []string{"/block_0/channel_norm", "/block_1/temporal_mixer/filter", "/block_1/spatial_mixer_1/mlp"} {
		assert.True(t, hasVariablesIn(m.Context(), scope), "no variables in scope %q", scope)
	}
}

// hasVariablesIn returns whether ctx has any variable in scope or its sub-scopes.
func hasVariablesIn(ctx *context.Context, scope string) bool {
	var found bool
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
			found = true
		}
	})
	return found
}

func TestStagesMLP(t *testing.T) {
	m := newTestModel(t, smallModelConfig+",temporal_func=mlp,dilation_exponential=2")
	backend := graphtest.BuildTestBackend()
	// Receptive field with dilation exponential 2: 1 + 6*(2^2-1) = 19.
	require.Equal(t, 19, m.Layout().Length)
	out := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, x *Node) *Node {
		h := m.TemporalLayer(ctx, x, 0)
		return m.TemporalLayer(ctx, h, 1)
	}, rampTensor(0.1, 2, 4, 3, 19))
	assert.Equal(t, []int{2, 4, 3, m.Layout().Last().EndLength}, out.Shape().Dimensions)
}

func TestStagesConvDilated(t *testing.T) {
	m := newTestModel(t, smallModelConfig+",dilation_exponential=2")
	backend := graphtest.BuildTestBackend()
	require.Equal(t, 19, m.Layout().Length)
	require.Equal(t, 2, m.Block(1).Layer.Dilation)
	out := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, x *Node) *Node {
		h := m.TemporalLayer(ctx, x, 0)
		return m.TemporalLayer(ctx, h, 1)
	}, rampTensor(0.1, 2, 4, 3, 19))
	assert.Equal(t, []int{2, 4, 3, m.Layout().Last().EndLength}, out.Shape().Dimensions)
}

func TestDilatedConvTaps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.One)
	// One channel, one node, x[t] = t for 15 timesteps.
	x := rampTensor(1, 1, 1, 1, 15)
	out := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		convCtx := ctx.In("conv").Checked(false)
		// Subtracting the output for a zero input removes the bias.
		return Sub(dilatedConv(convCtx, x, 1, KernelSize, 2), dilatedConv(convCtx, ZerosLike(x), 1, KernelSize, 2))
	}, x)
	// Taps of output t are x[t], x[t+2], ..., x[t+12]: sum_k (t+2k) = 7t + 42.
	assert.Equal(t, []int{1, 1, 1, 3}, out.Shape().Dimensions)
	got := tensors.CopyFlatData[float32](out)
	for ii, want := range []float32{42, 49, 56} {
		assert.InDelta(t, want, got[ii], 1e-4, "output timestep %d", ii)
	}
}

func TestSpatialLayerUsesTranspose(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.One)
	mixer := func() *SpatialMixer { return &SpatialMixer{InChannels: 1, OutChannels: 1, Depth: 1, Alpha: 0} }
	b := &Block{Spatial: [2]*SpatialMixer{mixer(), mixer()}}
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 4}, 1, 1, 3, 1)
	// Directed chain 0 -> 1 -> 2.
	adjacency := tensors.FromValue([][]float32{{0, 1, 0}, {0, 0, 1}, {0, 0, 0}})
	out := context.ExecOnce(backend, ctx, func(ctx *context.Context, x, adjacency *Node) *Node {
		ctx = ctx.Checked(false)
		return Sub(b.SpatialLayer(ctx, x, adjacency), b.SpatialLayer(ctx, ZerosLike(x), adjacency))
	}, x, adjacency)
	// With unit weights each mixer returns x + Â·x: over A that is [2.5, 5, 8], over the
	// transpose [2, 3.5, 7]. Using A twice would give [5, 10, 16].
	assert.InDeltaSlice(t, []float32{4.5, 8.5, 15}, tensors.CopyFlatData[float32](out), 1e-4)
}

func TestHeadAndSkips(t *testing.T) {
	m := newTestModel(t, smallModelConfig)
	backend := graphtest.BuildTestBackend()
	outputs := context.ExecOnceN(backend, m.Context(), func(ctx *context.Context, raw, last *Node) []*Node {
		skip0 := m.Skip0(ctx, raw)
		skipE := m.SkipE(ctx, last)
		head := m.EndConv(ctx, Concatenate([]*Node{skip0, skipE, skipE}, 1))
		return []*Node{m.StartConv(ctx, raw), skip0, skipE, head}
	}, rampTensor(0.1, 2, 1, 3, 13), rampTensor(0.1, 2, 4, 3, 1))
	assert.Equal(t, []int{2, 4, 3, 13}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 3, 1}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 3, 1}, outputs[2].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 3, 1}, outputs[3].Shape().Dimensions)
}

func TestForwardNotImplemented(t *testing.T) {
	m := newTestModel(t, smallModelConfig)
	require.Panics(t, func() { m.Forward(m.Context(), nil) })
}
