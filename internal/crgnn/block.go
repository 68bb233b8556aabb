package crgnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Block is one CRGNN layer. It exposes its three stages separately, so a driver can interleave
// cross-layer skip aggregation between them:
//
//   - TemporalLayer: temporal mixing, trailing residual and layer normalization.
//   - SpatialLayer: bidirectional graph diffusion, with no residual nor normalization.
//   - ChannelLayer: 1x1 channel remap, residual and layer normalization.
type Block struct {
	Index    int
	NumNodes int
	Layer    LayerLayout

	ResidualChannels, ConvChannels int

	Temporal *TemporalMixer

	// Spatial mixers for the graph and for its transpose.
	Spatial [2]*SpatialMixer
}

// NewBlock creates the Block for the layer at index from the model configuration.
func NewBlock(config Config, index int, layer LayerLayout) *Block {
	newSpatial := func() *SpatialMixer {
		return &SpatialMixer{
			InChannels:  config.ConvChannels,
			OutChannels: config.ResidualChannels,
			Depth:       config.GCNDepth,
			Alpha:       config.PropAlpha,
			Dropout:     config.Dropout,
		}
	}
	return &Block{
		Index:            index,
		NumNodes:         config.NumNodes,
		Layer:            layer,
		ResidualChannels: config.ResidualChannels,
		ConvChannels:     config.ConvChannels,
		Temporal: &TemporalMixer{
			Func:             config.TemporalFunc,
			ResidualChannels: config.ResidualChannels,
			ConvChannels:     config.ConvChannels,
			Layer:            layer,
			Dropout:          config.Dropout,
		},
		Spatial: [2]*SpatialMixer{newSpatial(), newSpatial()},
	}
}

// NormDims is the shape every normalized tensor of the block must have, per example.
func (b *Block) NormDims() []int {
	return []int{b.ResidualChannels, b.NumNodes, b.Layer.EndLength}
}

// TemporalLayer returns norm(temporal_mixer(x) + x[..., -len:]).
func (b *Block) TemporalLayer(ctx *context.Context, x *Node) *Node {
	h := b.Temporal.Graph(ctx.In("temporal_mixer"), x)
	h = AddTrailingResidual(h, x)
	return LayerNorm(ctx.In("temporal_norm"), h, b.NormDims())
}

// SpatialLayer returns the sum of the diffusion of x over the adjacency and over its transpose.
func (b *Block) SpatialLayer(ctx *context.Context, x, adjacency *Node) *Node {
	forward := b.Spatial[0].Graph(ctx.In("spatial_mixer_0"), x, adjacency)
	backward := b.Spatial[1].Graph(ctx.In("spatial_mixer_1"), x, Transpose(adjacency, 0, 1))
	return Add(forward, backward)
}

// ChannelLayer returns norm(channel_mixer(x) + x).
func (b *Block) ChannelLayer(ctx *context.Context, x *Node) *Node {
	h := conv1x1(ctx.In("channel_mixer"), x, b.ResidualChannels)
	h = Add(h, x)
	return LayerNorm(ctx.In("channel_norm"), h, b.NormDims())
}
