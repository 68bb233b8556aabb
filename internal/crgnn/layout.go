package crgnn

// KernelSize of the temporal convolutions of every block.
const KernelSize = 7

// LayerLayout is the per-block temporal bookkeeping, fixed at model construction.
type LayerLayout struct {
	// Dilation of the block's temporal convolution: 1, d, d^2, ...
	Dilation int

	// BeginLength is the number of trailing input timesteps the block's temporal mixer reads,
	// always EndLength + KernelSize - 1.
	BeginLength int

	// EndLength is the length of the block's output along the time axis.
	EndLength int
}

// Layout holds the receptive field arithmetic of a CRGNN stack.
type Layout struct {
	// ReceptiveField of the whole stack, in timesteps.
	ReceptiveField int

	// Length is the padded input sequence length: max(ReceptiveField, window).
	Length int

	// Layers holds one entry per block.
	Layers []LayerLayout
}

// intPow returns base^exp for exp >= 0.
func intPow(base, exp int) int {
	result := 1
	for range exp {
		result *= base
	}
	return result
}

// rfSize returns the receptive field after the first `depth` blocks.
func rfSize(depth, dilationExponential int) int {
	if dilationExponential > 1 {
		// Geometric sum 1 + d + ... + d^(depth-1) is exact in integer arithmetic.
		return 1 + (KernelSize-1)*(intPow(dilationExponential, depth)-1)/(dilationExponential-1)
	}
	return 1 + depth*(KernelSize-1)
}

// ReceptiveField of a stack of numLayers blocks.
func ReceptiveField(numLayers, dilationExponential int) int {
	return rfSize(numLayers, dilationExponential)
}

// NewLayout computes the receptive field, padded length and per-block lengths and dilations.
//
// Lengths are not validated: since every partial receptive field is at most the total one, and
// the padded length is at least the total receptive field, end lengths are always >= 1.
func NewLayout(numLayers, dilationExponential, window int) Layout {
	rf := ReceptiveField(numLayers, dilationExponential)
	layout := Layout{
		ReceptiveField: rf,
		Length:         max(rf, window),
		Layers:         make([]LayerLayout, 0, numLayers),
	}
	dilation := 1
	for j := 1; j <= numLayers; j++ {
		endLength := layout.Length - rfSize(j, dilationExponential) + 1
		layout.Layers = append(layout.Layers, LayerLayout{
			Dilation:    dilation,
			BeginLength: endLength + KernelSize - 1,
			EndLength:   endLength,
		})
		dilation *= max(dilationExponential, 1)
	}
	return layout
}

// Last returns the layout of the last block.
func (l Layout) Last() LayerLayout {
	return l.Layers[len(l.Layers)-1]
}
