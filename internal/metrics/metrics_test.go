package metrics

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedScores(t *testing.T) {
	zero := float32(0)
	acc := NewAccumulator(&zero)
	// [batch=1, horizon=3, nodes=1, output_dim=1]
	predict := tensors.FromFlatDataAndDimensions([]float32{1, 2, 5}, 1, 3, 1, 1)
	real := tensors.FromFlatDataAndDimensions([]float32{0, 2, 4}, 1, 3, 1, 1)
	require.NoError(t, acc.Add(predict, real))
	r := acc.Report()
	assert.InDelta(t, 0.5, r.Overall.MAE, 1e-6)
	assert.InDelta(t, math32.Sqrt(0.5), r.Overall.RMSE, 1e-6)
	assert.InDelta(t, 0.125, r.Overall.MAPE, 1e-6)
	require.Len(t, r.PerHorizon, 3)
	assert.Equal(t, Scores{}, r.PerHorizon[0])
	assert.Equal(t, float32(0), r.PerHorizon[1].MAE)
	assert.InDelta(t, 1, r.PerHorizon[2].MAE, 1e-6)
}

func TestUnmaskedAcrossBatches(t *testing.T) {
	acc := NewAccumulator(nil)
	// [batch=2, horizon=2, nodes=2, output_dim=1]: horizon step 0 has errors 1, horizon step 1 errors 3.
	real := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	predict := []float32{2, 0, 4, -2, 2, 0, 4, -2}
	for range 2 {
		require.NoError(t, acc.Add(
			tensors.FromFlatDataAndDimensions(predict, 2, 2, 2, 1),
			tensors.FromFlatDataAndDimensions(real, 2, 2, 2, 1)))
	}
	r := acc.Report()
	assert.InDelta(t, 2, r.Overall.MAE, 1e-6)
	assert.InDelta(t, 1, r.PerHorizon[0].MAE, 1e-6)
	assert.InDelta(t, 3, r.PerHorizon[1].MAE, 1e-6)
	assert.InDelta(t, 3, r.PerHorizon[1].RMSE, 1e-6)

	err := acc.Add(tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1, 1, 1),
		tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1, 1, 1))
	require.Error(t, err)
	err = acc.Add(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2, 1, 1),
		tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1, 1, 1))
	require.Error(t, err)
}

func TestAccumulatorSkipsPadding(t *testing.T) {
	acc := NewAccumulator(nil)
	// Batch of 2 examples, horizon 1, 1 node: the second example is padding.
	predict := tensors.FromFlatDataAndDimensions([]float32{3, 100}, 2, 1, 1, 1)
	real := tensors.FromFlatDataAndDimensions([]float32{1, 0}, 2, 1, 1, 1)
	require.NoError(t, acc.AddExamples(predict, real, 1))
	r := acc.Report()
	assert.InDelta(t, 2, r.Overall.MAE, 1e-6)
	assert.InDelta(t, 2, r.Overall.MAPE, 1e-6)

	require.Error(t, acc.AddExamples(predict, real, 3))
}
