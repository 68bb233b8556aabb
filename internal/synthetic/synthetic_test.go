package synthetic

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.NumNodes = 4
	cfg.NumSteps = 100
	cfg.StepsPerDay = 20
	return cfg
}

func TestGenerate(t *testing.T) {
	cfg := smallConfig()
	ds, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, ds.Values, 100)
	require.Len(t, ds.Adjacency, 4)
	for ii, row := range ds.Adjacency {
		assert.Equal(t, float32(1), row[(ii+1)%4], "ring edge %d", ii)
		assert.Zero(t, row[ii], "no self loops")
	}
	assert.Equal(t, float32(0), ds.TimeOfDay[0])
	assert.InDelta(t, 0.5, ds.TimeOfDay[10], 1e-6)
	assert.Equal(t, float32(0), ds.TimeOfDay[20])

	// Deterministic given the seed.
	again, err := Generate(cfg)
	require.NoError(t, err)
	assert.Equal(t, ds.Values, again.Values)

	cfg.Seed++
	other, err := Generate(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, ds.Values, other.Values)
}

func TestGenerateErrors(t *testing.T) {
	cfg := smallConfig()
	cfg.NumNodes = 1
	_, err := Generate(cfg)
	require.Error(t, err)

	cfg = smallConfig()
	cfg.Diffusion = 1
	_, err = Generate(cfg)
	require.Error(t, err)
}

func TestSplit(t *testing.T) {
	ds, err := Generate(smallConfig())
	require.NoError(t, err)
	splits, err := ds.Split(12, 3, 0.6, 0.2)
	require.NoError(t, err)

	// 100 - 12 - 3 + 1 = 86 samples.
	assert.Equal(t, 51, splits.Train.Len())
	assert.Equal(t, 17, splits.Val.Len())
	assert.Equal(t, 18, splits.Test.Len())
	assert.Equal(t, 0, splits.Train.Starts[0])
	assert.Equal(t, 51, splits.Val.Starts[0])
	assert.Equal(t, 85, splits.Test.Starts[splits.Test.Len()-1])
	assert.Greater(t, splits.Scaler.Std, float32(0))

	_, err = ds.Split(12, 3, 0.9, 0.2)
	require.Error(t, err)
	_, err = ds.Split(90, 30, 0.6, 0.2)
	require.Error(t, err)
}

func TestBatches(t *testing.T) {
	ds, err := Generate(smallConfig())
	require.NoError(t, err)
	splits, err := ds.Split(12, 3, 0.6, 0.2)
	require.NoError(t, err)
	test := splits.Test

	require.Equal(t, 4, test.NumBatches(5))
	batches, err := test.Batches(context.Background(), 5, nil)
	require.NoError(t, err)
	require.Len(t, batches, 4)
	for _, b := range batches[:3] {
		assert.Equal(t, 5, b.Size)
	}
	last := batches[3]
	assert.Equal(t, 3, last.Size)
	assert.Equal(t, []int{5, 12, 4, 1}, last.Input.Shape().Dimensions)
	assert.Equal(t, []int{5, 3, 4, 1}, last.Target.Shape().Dimensions)
	assert.Equal(t, []int{5, 3}, last.PredTime.Shape().Dimensions)

	// First input is the normalized window of the first test sample.
	start := test.Starts[0]
	input := tensors.CopyFlatData[float32](batches[0].Input)
	target := tensors.CopyFlatData[float32](batches[0].Target)
	predTime := tensors.CopyFlatData[float32](batches[0].PredTime)
	std := splits.Scaler
	assert.InDelta(t, (ds.Values[start][2]-std.Mean)/std.Std, input[2], 1e-5)
	assert.InDelta(t, (ds.Values[start+11][3]-std.Mean)/std.Std, input[11*4+3], 1e-5)
	assert.InDelta(t, (ds.Values[start+12][0]-std.Mean)/std.Std, target[0], 1e-5)
	assert.Equal(t, ds.TimeOfDay[start+12:start+15], predTime[:3])

	// Padding repeats the last sample.
	lastInput := tensors.CopyFlatData[float32](last.Input)
	sampleSize := 12 * 4
	assert.Equal(t, lastInput[2*sampleSize:3*sampleSize], lastInput[4*sampleSize:5*sampleSize])
}

func TestBatchesShuffled(t *testing.T) {
	ds, err := Generate(smallConfig())
	require.NoError(t, err)
	splits, err := ds.Split(12, 3, 0.6, 0.2)
	require.NoError(t, err)

	ordered, err := splits.Train.Batches(context.Background(), 8, nil)
	require.NoError(t, err)
	shuffled, err := splits.Train.Batches(context.Background(), 8, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, shuffled, len(ordered))
	assert.NotEqual(t, tensors.CopyFlatData[float32](ordered[0].Input), tensors.CopyFlatData[float32](shuffled[0].Input))

	// Shuffling does not change the windows themselves.
	assert.Equal(t, 0, splits.Train.Starts[0])

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = splits.Train.Batches(cancelled, 8, nil)
	require.Error(t, err)
}
