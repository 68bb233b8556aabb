// Package crgnn implements the CRGNN spatio-temporal mixer model with GoMLX.
//
// A CRGNN is a stack of blocks, each alternating temporal mixing (dilated gated convolutions over
// time), spatial mixing (graph diffusion over a given adjacency and its transpose) and channel
// mixing, each wrapped with residual additions and layer normalization.
//
// The model only exposes the per-layer stages (see Stages) and the projections used around them
// (StartConv, Skip0, SkipConv, SkipE, EndConv). The composition of the full forward pass, with the
// skip aggregation, is owned by a driver, see package forecast.
//
// All tensors are shaped [batch, channels, nodes, time].
package crgnn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/lzhmarkk/SimMST/internal/parameters"
	"github.com/pkg/errors"
)

// Hyperparameters of the model, stored in the root scope of the model context.
const (
	ParamDevice              = "device"
	ParamNumNodes            = "num_nodes"
	ParamGCNDepth            = "gcn_depth"
	ParamDropout             = "dropout"
	ParamInputDim            = "input_dim"
	ParamOutputDim           = "output_dim"
	ParamWindow              = "window"
	ParamHorizon             = "horizon"
	ParamPropAlpha           = "propalpha"
	ParamDilationExponential = "dilation_exponential"
	ParamLayers              = "layers"
	ParamResidualChannels    = "residual_channels"
	ParamConvChannels        = "conv_channels"
	ParamSkipChannels        = "skip_channels"
	ParamEndChannels         = "end_channels"
	ParamTemporalFunc        = "temporal_func"
)

// DefaultParams returns the default hyperparameters of the model.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamDevice:              "",
		ParamNumNodes:            8,
		ParamGCNDepth:            2,
		ParamDropout:             0.3,
		ParamInputDim:            1,
		ParamOutputDim:           1,
		ParamWindow:              12,
		ParamHorizon:             12,
		ParamPropAlpha:           0.05,
		ParamDilationExponential: 1,
		ParamLayers:              3,
		ParamResidualChannels:    32,
		ParamConvChannels:        32,
		ParamSkipChannels:        64,
		ParamEndChannels:         128,
		ParamTemporalFunc:        string(TemporalConv),

		// Used by the "mlp" temporal function.
		activations.ParamActivation: "relu",
	}
}

// Config is the resolved hyperparameters of a CRGNN.
type Config struct {
	// Device is the GoMLX backend configuration (e.g. "xla:cpu"), empty for the default.
	Device string

	NumNodes            int
	GCNDepth            int
	Dropout             float64
	InputDim, OutputDim int
	Window, Horizon     int
	PropAlpha           float64
	DilationExponential int
	Layers              int
	ResidualChannels    int
	ConvChannels        int
	SkipChannels        int
	EndChannels         int
	TemporalFunc        TemporalFunc
}

// ConfigFromContext reads and validates the model hyperparameters from ctx.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	c := Config{
		Device:              context.GetParamOr(ctx, ParamDevice, ""),
		NumNodes:            context.GetParamOr(ctx, ParamNumNodes, 0),
		GCNDepth:            context.GetParamOr(ctx, ParamGCNDepth, 0),
		Dropout:             context.GetParamOr(ctx, ParamDropout, 0.0),
		InputDim:            context.GetParamOr(ctx, ParamInputDim, 0),
		OutputDim:           context.GetParamOr(ctx, ParamOutputDim, 0),
		Window:              context.GetParamOr(ctx, ParamWindow, 0),
		Horizon:             context.GetParamOr(ctx, ParamHorizon, 0),
		PropAlpha:           context.GetParamOr(ctx, ParamPropAlpha, 0.0),
		DilationExponential: context.GetParamOr(ctx, ParamDilationExponential, 1),
		Layers:              context.GetParamOr(ctx, ParamLayers, 0),
		ResidualChannels:    context.GetParamOr(ctx, ParamResidualChannels, 0),
		ConvChannels:        context.GetParamOr(ctx, ParamConvChannels, 0),
		SkipChannels:        context.GetParamOr(ctx, ParamSkipChannels, 0),
		EndChannels:         context.GetParamOr(ctx, ParamEndChannels, 0),
	}
	var err error
	c.TemporalFunc, err = ParseTemporalFunc(context.GetParamOr(ctx, ParamTemporalFunc, string(TemporalConv)))
	if err != nil {
		return c, err
	}
	for _, p := range []struct {
		name  string
		value int
	}{
		{ParamNumNodes, c.NumNodes}, {ParamInputDim, c.InputDim}, {ParamOutputDim, c.OutputDim},
		{ParamWindow, c.Window}, {ParamHorizon, c.Horizon}, {ParamDilationExponential, c.DilationExponential},
		{ParamLayers, c.Layers}, {ParamResidualChannels, c.ResidualChannels}, {ParamConvChannels, c.ConvChannels},
		{ParamSkipChannels, c.SkipChannels}, {ParamEndChannels, c.EndChannels},
	} {
		if p.value < 1 {
			return c, errors.Errorf("hyperparameter %s=%d must be >= 1", p.name, p.value)
		}
	}
	if c.GCNDepth < 0 {
		return c, errors.Errorf("hyperparameter %s=%d must be >= 0", ParamGCNDepth, c.GCNDepth)
	}
	if c.ConvChannels != c.ResidualChannels {
		return c, errors.Errorf("%s=%d must be equal to %s=%d: the temporal and channel residual additions "+
			"require both widths to match", ParamConvChannels, c.ConvChannels, ParamResidualChannels, c.ResidualChannels)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return c, errors.Errorf("hyperparameter %s=%g must be in [0, 1)", ParamDropout, c.Dropout)
	}
	return c, nil
}

// Stages are the per-layer operations a forward driver composes.
type Stages interface {
	NumLayers() int
	TemporalLayer(ctx *context.Context, x *Node, l int) *Node
	SpatialLayer(ctx *context.Context, x, adjacency *Node, l int) *Node
	ChannelLayer(ctx *context.Context, x *Node, l int) *Node
}

// CRGNN is the stack of blocks plus the projections around them.
// The variables are stored in its context, and configured by its hyperparameters.
type CRGNN struct {
	ctx    *context.Context
	config Config
	layout Layout
	blocks []*Block
}

// Compile-time check that CRGNN implements Stages.
var _ Stages = (*CRGNN)(nil)

// New creates a CRGNN with a fresh context, with hyperparameters set to their defaults
// (see DefaultParams) overwritten by the given params. Keys used are removed from params.
func New(params parameters.Params) (*CRGNN, error) {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(DefaultParams())
	if err := parameters.ApplyToContext("crgnn", params, ctx); err != nil {
		return nil, err
	}
	return NewFromContext(ctx.Checked(false))
}

// NewFromContext creates a CRGNN using the hyperparameters already set in ctx.
func NewFromContext(ctx *context.Context) (*CRGNN, error) {
	config, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid CRGNN configuration")
	}
	m := &CRGNN{
		ctx:    ctx,
		config: config,
		layout: NewLayout(config.Layers, config.DilationExponential, config.Window),
	}
	m.blocks = make([]*Block, len(m.layout.Layers))
	for l, layer := range m.layout.Layers {
		m.blocks[l] = NewBlock(config, l, layer)
	}
	return m, nil
}

// Context holding the model weights and hyperparameters.
func (m *CRGNN) Context() *context.Context { return m.ctx }

// Config returns the model hyperparameters.
func (m *CRGNN) Config() Config { return m.config }

// Layout returns the receptive field arithmetic of the model.
func (m *CRGNN) Layout() Layout { return m.layout }

// ReceptiveField of the stack of blocks.
func (m *CRGNN) ReceptiveField() int { return m.layout.ReceptiveField }

// NumLayers implements Stages.
func (m *CRGNN) NumLayers() int { return len(m.blocks) }

// Block returns the block of layer l.
func (m *CRGNN) Block(l int) *Block {
	if l < 0 || l >= len(m.blocks) {
		exceptions.Panicf("CRGNN has %d layers, layer %d requested", len(m.blocks), l)
	}
	return m.blocks[l]
}

func blockCtx(ctx *context.Context, l int) *context.Context {
	return ctx.In(fmt.Sprintf("block_%d", l))
}

// TemporalLayer implements Stages.
func (m *CRGNN) TemporalLayer(ctx *context.Context, x *Node, l int) *Node {
	return m.Block(l).TemporalLayer(blockCtx(ctx, l), x)
}

// SpatialLayer implements Stages.
func (m *CRGNN) SpatialLayer(ctx *context.Context, x, adjacency *Node, l int) *Node {
	return m.Block(l).SpatialLayer(blockCtx(ctx, l), x, adjacency)
}

// ChannelLayer implements Stages.
func (m *CRGNN) ChannelLayer(ctx *context.Context, x *Node, l int) *Node {
	return m.Block(l).ChannelLayer(blockCtx(ctx, l), x)
}

// StartConv projects the raw input channels (input_dim) to residual_channels.
func (m *CRGNN) StartConv(ctx *context.Context, x *Node) *Node {
	return conv1x1(ctx.In("start_conv"), x, m.config.ResidualChannels)
}

// Skip0 projects the raw input, padded to Layout().Length steps, directly to skip_channels,
// with a kernel spanning the whole padded length.
func (m *CRGNN) Skip0(ctx *context.Context, x *Node) *Node {
	return collapseTimeConv(ctx.In("skip0"), x, m.config.SkipChannels, m.layout.Length)
}

// SkipConv projects the output of the spatial stage of layer l to skip_channels, with a kernel
// spanning the block's end length.
func (m *CRGNN) SkipConv(ctx *context.Context, x *Node, l int) *Node {
	return collapseTimeConv(ctx.In(fmt.Sprintf("skip_%d", l)), x, m.config.SkipChannels, m.Block(l).Layer.EndLength)
}

// SkipE projects the output of the last block to skip_channels.
func (m *CRGNN) SkipE(ctx *context.Context, x *Node) *Node {
	return collapseTimeConv(ctx.In("skip_e"), x, m.config.SkipChannels, m.layout.Last().EndLength)
}

// NumHeadInputs is the number of skip paths concatenated as input of the output head.
const NumHeadInputs = 3

// EndConv is the output head: it takes the concatenated skip paths, shaped
// [batch, 3*skip_channels, nodes, 1], and returns [batch, horizon*output_dim, nodes, 1].
func (m *CRGNN) EndConv(ctx *context.Context, x *Node) *Node {
	assertRank4("EndConv", x)
	if numChannels(x) != NumHeadInputs*m.config.SkipChannels {
		exceptions.Panicf("EndConv: expected %d channels (%d skip paths of %d), got shape %s",
			NumHeadInputs*m.config.SkipChannels, NumHeadInputs, m.config.SkipChannels, x.Shape())
	}
	h := conv1x1(ctx.In("end_conv_0"), x, m.config.EndChannels)
	h = activations.Relu(h)
	return conv1x1(ctx.In("end_conv_1"), h, m.config.Horizon*m.config.OutputDim)
}

// Forward is not implemented by the model: the composition of the stages and the skip paths is
// owned by a driver (see package forecast). Calling it is a fatal error.
func (m *CRGNN) Forward(ctx *context.Context, inputs []*Node) *Node {
	exceptions.Panicf("CRGNN.Forward is not implemented: use a driver composing the per-layer stages")
	return nil
}
