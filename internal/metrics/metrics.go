// Package metrics computes the forecasting error metrics reported after evaluation: masked MAE,
// RMSE and MAPE, overall and per horizon step.
//
// Metrics are computed on the host, over predictions and targets shaped
// [batch, horizon, nodes, output_dim], already inverse transformed.
package metrics

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Scores of a set of predictions.
type Scores struct {
	MAE, RMSE, MAPE float32
}

// accumulator sums the errors of the valid entries.
type accumulator struct {
	absErr, sqErr, pctErr float32
	count                 int
}

func (a *accumulator) add(predict, real float32, nullValue *float32) {
	if math32.IsNaN(real) || (nullValue != nil && real == *nullValue) {
		return
	}
	diff := predict - real
	a.absErr += math32.Abs(diff)
	a.sqErr += diff * diff
	if real != 0 {
		a.pctErr += math32.Abs(diff / real)
	}
	a.count++
}

func (a *accumulator) scores() Scores {
	if a.count == 0 {
		return Scores{}
	}
	n := float32(a.count)
	return Scores{
		MAE:  a.absErr / n,
		RMSE: math32.Sqrt(a.sqErr / n),
		MAPE: a.pctErr / n,
	}
}

// Report holds the scores over all horizon steps and per horizon step.
type Report struct {
	Overall    Scores
	PerHorizon []Scores
}

// Accumulator of predictions over several batches.
type Accumulator struct {
	nullValue  *float32
	overall    accumulator
	perHorizon []accumulator
}

// NewAccumulator creates an Accumulator. If nullValue is not nil, targets equal to it are ignored.
// Targets that are NaN are always ignored.
func NewAccumulator(nullValue *float32) *Accumulator {
	return &Accumulator{nullValue: nullValue}
}

// Add the predictions and targets of a batch, both shaped [batch, horizon, nodes, output_dim].
func (acc *Accumulator) Add(predict, real *tensors.Tensor) error {
	return acc.AddExamples(predict, real, -1)
}

// AddExamples is like Add, but only the first numExamples of the batch are used, to skip the padding of the
// last batch. If numExamples < 0, all examples are used.
func (acc *Accumulator) AddExamples(predict, real *tensors.Tensor, numExamples int) error {
	dims := real.Shape().Dimensions
	if !slices.Equal(predict.Shape().Dimensions, dims) {
		return errors.Errorf("predictions shaped %s, but targets are shaped %s", predict.Shape(), real.Shape())
	}
	if len(dims) != 4 {
		return errors.Errorf("targets must be shaped [batch, horizon, nodes, output_dim], got %s", real.Shape())
	}
	if numExamples < 0 {
		numExamples = dims[0]
	} else if numExamples > dims[0] {
		return errors.Errorf("%d examples requested from a batch of %d", numExamples, dims[0])
	}
	horizon, stepSize := dims[1], dims[2]*dims[3]
	if acc.perHorizon == nil {
		acc.perHorizon = make([]accumulator, horizon)
	} else if len(acc.perHorizon) != horizon {
		return errors.Errorf("horizon changed from %d to %d", len(acc.perHorizon), horizon)
	}
	predictFlat := tensors.CopyFlatData[float32](predict)
	realFlat := tensors.CopyFlatData[float32](real)
	for ii, r := range realFlat[:numExamples*horizon*stepSize] {
		step := (ii / stepSize) % horizon
		acc.overall.add(predictFlat[ii], r, acc.nullValue)
		acc.perHorizon[step].add(predictFlat[ii], r, acc.nullValue)
	}
	return nil
}

// Report returns the scores of everything added so far.
func (acc *Accumulator) Report() Report {
	r := Report{Overall: acc.overall.scores(), PerHorizon: make([]Scores, len(acc.perHorizon))}
	for ii := range acc.perHorizon {
		r.PerHorizon[ii] = acc.perHorizon[ii].scores()
	}
	return r
}
