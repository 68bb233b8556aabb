package crgnn

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors/images"
)

// Graph building blocks over tensors shaped [batch, channels, nodes, time].

const (
	channelsAxis = 1
	nodesAxis    = 2
	timeAxis     = 3
)

// assertRank4 panics if x is not shaped [batch, channels, nodes, time].
func assertRank4(name string, x *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("%s: expected input shaped [batch, channels, nodes, time], got %s", name, x.Shape())
	}
}

// timeLen returns the length of the time axis of x.
func timeLen(x *Node) int {
	return x.Shape().Dimensions[timeAxis]
}

// numChannels returns the dimension of the channels axis of x.
func numChannels(x *Node) int {
	return x.Shape().Dimensions[channelsAxis]
}

// Trailing returns the last `length` timesteps of x.
// Alignment of sequences of different lengths is always taken from the end of the time axis.
func Trailing(x *Node, length int) *Node {
	assertRank4("Trailing", x)
	total := timeLen(x)
	if length > total {
		exceptions.Panicf("Trailing: asked for the last %d timesteps of a sequence of length %d", length, total)
	}
	if length == total {
		return x
	}
	return Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(total-length, total))
}

// AddTrailingResidual adds to h the trailing timesteps of x that align with it.
func AddTrailingResidual(h, x *Node) *Node {
	return Add(h, Trailing(x, timeLen(h)))
}

// conv is a valid (unpadded) convolution over x with kernel (1, kernelLength) and the given dilation
// along the time axis: the output is (kernelLength-1)*dilation timesteps shorter than x.
func conv(ctx *context.Context, x *Node, outChannels, kernelLength, dilation int) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Filters(outChannels).
		KernelSizePerDim(1, kernelLength).
		DilationPerDim(1, dilation).
		NoPadding().
		UseBias(true).
		Done()
}

// conv1x1 remaps the channels of x, it is a convolution with kernel (1, 1).
func conv1x1(ctx *context.Context, x *Node, outChannels int) *Node {
	assertRank4("conv1x1", x)
	return conv(ctx, x, outChannels, 1, 1)
}

// dilatedConv is a convolution with kernel (1, kernelSize) and the given dilation along the time
// axis, without padding.
func dilatedConv(ctx *context.Context, x *Node, outChannels, kernelSize, dilation int) *Node {
	assertRank4("dilatedConv", x)
	if timeLen(x)-(kernelSize-1)*dilation < 1 {
		exceptions.Panicf("dilatedConv: input of length %d too short for kernel %d with dilation %d",
			timeLen(x), kernelSize, dilation)
	}
	return conv(ctx, x, outChannels, kernelSize, dilation)
}

// collapseTimeConv is a convolution whose kernel spans the whole time axis of x (which must have
// exactly kernelLength steps): the result has a time axis of length 1.
func collapseTimeConv(ctx *context.Context, x *Node, outChannels, kernelLength int) *Node {
	assertRank4("collapseTimeConv", x)
	if timeLen(x) != kernelLength {
		exceptions.Panicf("collapseTimeConv: kernel spans %d timesteps, but input has %d (shape %s)",
			kernelLength, timeLen(x), x.Shape())
	}
	return conv(ctx, x, outChannels, kernelLength, 1)
}

// timeLinear maps the time axis of x to outLength steps with a learned linear map.
func timeLinear(ctx *context.Context, x *Node, outLength int) *Node {
	assertRank4("timeLinear", x)
	return layers.Dense(ctx, x, true, outLength)
}

// dropout applies dropout with the given rate, only when training.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}

// LayerNorm normalizes each example of x over its [channels, nodes, time] axes, with a gain and an
// offset learned per element of the normalized axes. The normalized shape is fixed: any other
// input shape is a fatal error.
func LayerNorm(ctx *context.Context, x *Node, normalizedDims []int) *Node {
	if x.Rank() != len(normalizedDims)+1 || !slices.Equal(x.Shape().Dimensions[1:], normalizedDims) {
		exceptions.Panicf("LayerNorm(%s): input shaped %s, but normalization is fixed to [batch, %v]",
			ctx.Scope(), x.Shape(), normalizedDims)
	}
	axes := make([]int, len(normalizedDims))
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return layers.LayerNormalization(ctx, x, axes...).Epsilon(layerNormEpsilon).Done()
}

const layerNormEpsilon = 1e-5
