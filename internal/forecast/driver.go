// Package forecast composes the stages of a CRGNN into the full forecasting forward pass.
//
// Inputs follow the usual traffic forecasting layout: the history x is shaped
// [batch, window, nodes, input_dim] and the predictions [batch, horizon, nodes, output_dim].
package forecast

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/lzhmarkk/SimMST/internal/crgnn"
)

// Model is what the Driver needs from a model: its stages plus the projections of the skip paths.
// It is implemented by *crgnn.CRGNN.
type Model interface {
	crgnn.Stages

	Config() crgnn.Config
	Layout() crgnn.Layout

	StartConv(ctx *context.Context, x *Node) *Node
	Skip0(ctx *context.Context, x *Node) *Node
	SkipConv(ctx *context.Context, x *Node, l int) *Node
	SkipE(ctx *context.Context, x *Node) *Node
	EndConv(ctx *context.Context, x *Node) *Node
}

// Assert CRGNN can be driven.
var _ Model = (*crgnn.CRGNN)(nil)

// Driver implements the forward pass of a Model:
//
//  1. The history is padded on the left (oldest timesteps) with zeros up to the model's padded length.
//  2. skip0 sees the (dropout) padded input, and the start convolution maps it to the residual channels.
//  3. Each layer runs temporal, then spatial, then channel mixing. The output of the spatial stage of every
//     layer is projected by its skip convolution, and these skips are summed.
//  4. The last block output is projected by skipE.
//  5. The head takes concat(skip0, sum of the layer skips, skipE) and outputs horizon*output_dim channels.
type Driver struct {
	model Model
}

// New returns a Driver for model.
func New(model Model) *Driver {
	return &Driver{model: model}
}

// Model returns the driven model.
func (d *Driver) Model() Model { return d.model }

// Graph returns the forecast for x, shaped [batch, horizon, nodes, output_dim].
//
// The adjacency, shaped [nodes, nodes], is only read. predTime, shaped [batch, horizon], is the time of the
// predicted steps: it is checked but not used by the CRGNN stages.
func (d *Driver) Graph(ctx *context.Context, x, adjacency, predTime *Node) *Node {
	cfg := d.model.Config()
	if x.Rank() != 4 {
		exceptions.Panicf("forecast: x must be shaped [batch, window, nodes, input_dim], got %s", x.Shape())
	}
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, cfg.Window, cfg.NumNodes, cfg.InputDim)
	adjacency.AssertDims(cfg.NumNodes, cfg.NumNodes)
	if predTime != nil {
		predTime.AssertDims(batchSize, cfg.Horizon)
	}

	// [batch, window, nodes, input_dim] -> [batch, input_dim, nodes, window]
	h := TransposeAllDims(x, 0, 3, 2, 1)
	h = padTime(h, d.model.Layout().Length)

	skip0 := h
	if cfg.Dropout > 0 {
		skip0 = layers.DropoutStatic(ctx.In("input"), skip0, cfg.Dropout)
	}
	skip0 = d.model.Skip0(ctx, skip0)
	h = d.model.StartConv(ctx, h)

	var skips *Node
	for l := range d.model.NumLayers() {
		h = d.model.TemporalLayer(ctx, h, l)
		h = d.model.SpatialLayer(ctx, h, adjacency, l)
		s := d.model.SkipConv(ctx, h, l)
		if skips == nil {
			skips = s
		} else {
			skips = Add(skips, s)
		}
		h = d.model.ChannelLayer(ctx, h, l)
	}
	skipE := d.model.SkipE(ctx, h)

	out := d.model.EndConv(ctx, Concatenate([]*Node{skip0, skips, skipE}, 1))
	// [batch, horizon*output_dim, nodes, 1] -> [batch, horizon, nodes, output_dim]
	out = Reshape(out, batchSize, cfg.Horizon, cfg.OutputDim, cfg.NumNodes)
	return TransposeAllDims(out, 0, 1, 3, 2)
}

// padTime left pads the time axis of x, shaped [batch, channels, nodes, time], with zeros up to length.
func padTime(x *Node, length int) *Node {
	dims := x.Shape().Dimensions
	missing := length - dims[3]
	if missing <= 0 {
		return x
	}
	padShape := x.Shape().Clone()
	padShape.Dimensions[3] = missing
	return Concatenate([]*Node{Zeros(x.Graph(), padShape), x}, 3)
}
