package crgnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// SpatialMixer is a mix-hop graph diffusion: starting from h_0 = x, each hop computes
// h_i = Alpha*x + (1-Alpha)*A*h_{i-1}, where A is the row normalized adjacency with self-loops.
// All hops are concatenated along the channels and projected to OutChannels.
type SpatialMixer struct {
	InChannels, OutChannels int

	// Depth is the number of diffusion hops (gcn_depth).
	Depth int

	// Alpha is the retain ratio of the original input at every hop (propalpha).
	Alpha float64

	Dropout float64
}

// NormalizedAdjacency returns the row normalized adjacency with self-loops, (adj + I) / rowsum.
// The adjacency is only read, never learned here.
func NormalizedAdjacency(adjacency *Node) *Node {
	if adjacency.Rank() != 2 || adjacency.Shape().Dimensions[0] != adjacency.Shape().Dimensions[1] {
		exceptions.Panicf("adjacency must be a square matrix [nodes, nodes], got %s", adjacency.Shape())
	}
	g := adjacency.Graph()
	numNodes := adjacency.Shape().Dimensions[0]
	indicesShape := shapes.Make(dtypes.Int32, numNodes, numNodes)
	identity := ConvertDType(Equal(Iota(g, indicesShape, 0), Iota(g, indicesShape, 1)), adjacency.DType())
	adj := Add(adjacency, identity)
	return Div(adj, ReduceAndKeep(adj, ReduceSum, 1))
}

// Graph diffuses x, shaped [batch, InChannels, nodes, time], over the given adjacency [nodes, nodes].
func (sm *SpatialMixer) Graph(ctx *context.Context, x, adjacency *Node) *Node {
	assertRank4("SpatialMixer", x)
	if numChannels(x) != sm.InChannels {
		exceptions.Panicf("SpatialMixer(%s): expected %d input channels, got shape %s", ctx.Scope(), sm.InChannels, x.Shape())
	}
	numNodes := x.Shape().Dimensions[nodesAxis]
	adjacency.AssertDims(numNodes, numNodes)
	a := NormalizedAdjacency(ConvertDType(adjacency, x.DType()))
	h := x
	hops := make([]*Node, 0, sm.Depth+1)
	hops = append(hops, h)
	for range sm.Depth {
		propagated := Einsum("bcwt,vw->bcvt", h, a)
		h = Add(MulScalar(x, sm.Alpha), MulScalar(propagated, 1-sm.Alpha))
		hops = append(hops, h)
	}
	out := conv1x1(ctx.In("mlp"), Concatenate(hops, channelsAxis), sm.OutChannels)
	return dropout(ctx, out, sm.Dropout)
}
