package synthetic

import (
	"context"
	"math/rand/v2"
	"runtime"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lzhmarkk/SimMST/internal/scaler"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Windows are the samples of one split of a Dataset. Sample i has the history of the steps
// [Starts[i], Starts[i]+Window) and the targets of the following Horizon steps.
type Windows struct {
	ds              *Dataset
	scaler          scaler.Scaler
	Window, Horizon int
	Starts          []int
}

// Splits of a Dataset in train, validation and test windows, in chronological order.
type Splits struct {
	Train, Val, Test *Windows

	// Scaler is fit on the training history, and used to normalize all the splits.
	Scaler scaler.Standard
}

// Split the sliding windows of the dataset chronologically: the first trainRatio of the windows are used
// for training, the following valRatio for validation and the rest for test.
func (ds *Dataset) Split(window, horizon int, trainRatio, valRatio float32) (*Splits, error) {
	if window < 1 || horizon < 1 {
		return nil, errors.Errorf("invalid window=%d, horizon=%d", window, horizon)
	}
	if trainRatio <= 0 || valRatio < 0 || trainRatio+valRatio >= 1 {
		return nil, errors.Errorf("invalid split ratios train=%g, validation=%g", trainRatio, valRatio)
	}
	numSamples := len(ds.Values) - window - horizon + 1
	numTrain := int(float32(numSamples) * trainRatio)
	numVal := int(float32(numSamples) * valRatio)
	if numTrain < 1 || numVal < 1 || numSamples-numTrain-numVal < 1 {
		return nil, errors.Errorf("dataset with %d steps too small for window=%d, horizon=%d and the split ratios",
			len(ds.Values), window, horizon)
	}
	std, err := scaler.Fit(ds.Flat(0, numTrain-1+window))
	if err != nil {
		return nil, err
	}
	newWindows := func(from, to int) *Windows {
		w := &Windows{ds: ds, scaler: std, Window: window, Horizon: horizon, Starts: make([]int, 0, to-from)}
		for start := from; start < to; start++ {
			w.Starts = append(w.Starts, start)
		}
		return w
	}
	return &Splits{
		Train:  newWindows(0, numTrain),
		Val:    newWindows(numTrain, numTrain+numVal),
		Test:   newWindows(numTrain+numVal, numSamples),
		Scaler: std,
	}, nil
}

// Len returns the number of samples.
func (w *Windows) Len() int { return len(w.Starts) }

// Batch of samples.
type Batch struct {
	// Input is shaped [batch, window, nodes, 1], Target [batch, horizon, nodes, 1], both normalized.
	Input, Target *tensors.Tensor

	// PredTime is the time of day of the target steps, shaped [batch, horizon].
	PredTime *tensors.Tensor

	// Size is the number of real samples. The last batch is padded by repeating its last sample.
	Size int
}

// NumBatches returns the number of batches of batchSize of the windows.
func (w *Windows) NumBatches(batchSize int) int {
	return (len(w.Starts) + batchSize - 1) / batchSize
}

// Batches returns all the batches of the windows, in order or, if rng is not nil, shuffled.
// Batches are assembled in parallel.
func (w *Windows) Batches(ctx context.Context, batchSize int, rng *rand.Rand) ([]Batch, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	starts := w.Starts
	if rng != nil {
		starts = make([]int, len(w.Starts))
		copy(starts, w.Starts)
		rng.Shuffle(len(starts), func(i, j int) { starts[i], starts[j] = starts[j], starts[i] })
	}
	batches := make([]Batch, w.NumBatches(batchSize))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for batchIdx := range batches {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			from := batchIdx * batchSize
			to := min(from+batchSize, len(starts))
			batches[batchIdx] = w.assemble(starts[from:to], batchSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "assembling batches")
	}
	return batches, nil
}

// assemble a batch of batchSize for the given sample starts, padding it with the last sample.
func (w *Windows) assemble(starts []int, batchSize int) Batch {
	numNodes := w.ds.NumNodes
	b := Batch{
		Input:    tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, w.Window, numNodes, 1)),
		Target:   tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, w.Horizon, numNodes, 1)),
		PredTime: tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, w.Horizon)),
		Size:     len(starts),
	}
	startOf := func(exampleIdx int) int {
		return starts[min(exampleIdx, len(starts)-1)]
	}
	fill := func(flat []float32, length, offset int) {
		for exampleIdx := range batchSize {
			start := startOf(exampleIdx) + offset
			for step := range length {
				copy(flat[(exampleIdx*length+step)*numNodes:], w.ds.Values[start+step])
			}
		}
		w.scaler.Transform(flat)
	}
	tensors.MutableFlatData(b.Input, func(flat []float32) { fill(flat, w.Window, 0) })
	tensors.MutableFlatData(b.Target, func(flat []float32) { fill(flat, w.Horizon, w.Window) })
	tensors.MutableFlatData(b.PredTime, func(flat []float32) {
		for exampleIdx := range batchSize {
			start := startOf(exampleIdx) + w.Window
			copy(flat[exampleIdx*w.Horizon:], w.ds.TimeOfDay[start:start+w.Horizon])
		}
	})
	return b
}

// AdjacencyTensor returns the adjacency of the dataset as a tensor [nodes, nodes].
func (ds *Dataset) AdjacencyTensor() *tensors.Tensor {
	return tensors.FromValue(ds.Adjacency)
}
