package crgnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"
)

// TemporalFunc selects the temporal mixing strategy of the blocks.
type TemporalFunc string

const (
	// TemporalConv is a gated (tanh * sigmoid) dilated convolution over time.
	TemporalConv TemporalFunc = "conv"

	// TemporalMLP is a learned linear map over the trailing BeginLength timesteps, followed by a
	// channel MLP using the context activation (activations.ParamActivation).
	TemporalMLP TemporalFunc = "mlp"
)

// ParseTemporalFunc returns the TemporalFunc named by s.
func ParseTemporalFunc(s string) (TemporalFunc, error) {
	switch TemporalFunc(s) {
	case TemporalConv, TemporalMLP:
		return TemporalFunc(s), nil
	}
	return "", errors.Errorf("unknown temporal_func %q, valid values are %q and %q", s, TemporalConv, TemporalMLP)
}

// TemporalMixer mixes information along the time axis of one block.
// Its output is shaped [batch, ResidualChannels, nodes, Layer.EndLength].
type TemporalMixer struct {
	Func             TemporalFunc
	ResidualChannels int
	ConvChannels     int
	Layer            LayerLayout
	Dropout          float64
}

// Graph builds the temporal mixing of x, shaped [batch, ResidualChannels, nodes, time], with
// time >= the length required by the layer.
func (tm *TemporalMixer) Graph(ctx *context.Context, x *Node) *Node {
	assertRank4("TemporalMixer", x)
	var h *Node
	switch tm.Func {
	case TemporalConv:
		x = Trailing(x, tm.Layer.EndLength+(KernelSize-1)*tm.Layer.Dilation)
		filter := Tanh(dilatedConv(ctx.In("filter"), x, tm.ConvChannels, KernelSize, tm.Layer.Dilation))
		gate := Sigmoid(dilatedConv(ctx.In("gate"), x, tm.ConvChannels, KernelSize, tm.Layer.Dilation))
		h = dropout(ctx, Mul(filter, gate), tm.Dropout)
		h = conv1x1(ctx.In("projection"), h, tm.ResidualChannels)
	case TemporalMLP:
		x = Trailing(x, tm.Layer.BeginLength)
		h = timeLinear(ctx.In("time"), x, tm.Layer.EndLength)
		h = conv1x1(ctx.In("expand"), h, tm.ConvChannels)
		h = activations.ApplyFromContext(ctx, h)
		h = conv1x1(ctx.In("projection"), h, tm.ResidualChannels)
		h = dropout(ctx, h, tm.Dropout)
	default:
		exceptions.Panicf("TemporalMixer: unknown temporal function %q", tm.Func)
	}
	h.AssertDims(x.Shape().Dimensions[0], tm.ResidualChannels, x.Shape().Dimensions[nodesAxis], tm.Layer.EndLength)
	return h
}
