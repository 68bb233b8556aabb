// Package losses implements the masked mean absolute error used to train and evaluate forecasts,
// including its curriculum variant restricted to the first horizon steps.
//
// Predictions and targets are shaped [batch, horizon, nodes, output_dim].
package losses

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// HorizonAxis is the axis of the forecast horizon in predictions and targets.
const HorizonAxis = 1

// AssertSameShape panics if predict and real have different shapes.
func AssertSameShape(predict, real *Node) {
	if !slices.Equal(predict.Shape().Dimensions, real.Shape().Dimensions) || predict.DType() != real.DType() {
		exceptions.Panicf("predict and real must have the same shape, got predict=%s and real=%s",
			predict.Shape(), real.Shape())
	}
}

// zeroNaN replaces NaN values of x by 0.
func zeroNaN(x *Node) *Node {
	// NaN is the only value not equal to itself.
	return Where(Equal(x, x), x, ZerosLike(x))
}

// NullMask returns 1 where real is a valid value and 0 elsewhere.
// If nullValue is nil, only NaN values are invalid. Otherwise, entries equal to *nullValue are also invalid.
func NullMask(real *Node, nullValue *float64) *Node {
	valid := Equal(real, real)
	if nullValue != nil {
		valid = LogicalAnd(valid, NotEqual(real, Scalar(real.Graph(), real.DType(), *nullValue)))
	}
	return ConvertDType(valid, real.DType())
}

// HorizonMask returns a mask shaped like x with 1 for the horizon steps (axis 1) lower than taskLevel,
// and 0 for the others. taskLevel is an integer scalar, so the same graph serves every curriculum level.
func HorizonMask(x, taskLevel *Node) *Node {
	if x.Rank() < 2 {
		exceptions.Panicf("HorizonMask requires a horizon axis, got shape %s", x.Shape())
	}
	if !taskLevel.IsScalar() {
		exceptions.Panicf("HorizonMask requires a scalar taskLevel, got shape %s", taskLevel.Shape())
	}
	g := x.Graph()
	dims := x.Shape().Dimensions
	horizonIdx := Iota(g, shapes.Make(dtypes.Int32, dims...), HorizonAxis)
	level := BroadcastToDims(ConvertDType(taskLevel, dtypes.Int32), dims...)
	return ConvertDType(LessThan(horizonIdx, level), x.DType())
}

// BatchMask returns a mask shaped like x with 1 for the examples (axis 0) lower than usedBatchSize,
// and 0 for the padding examples that follow them. usedBatchSize is an integer scalar.
func BatchMask(x, usedBatchSize *Node) *Node {
	if !usedBatchSize.IsScalar() {
		exceptions.Panicf("BatchMask requires a scalar usedBatchSize, got shape %s", usedBatchSize.Shape())
	}
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchIdx := Iota(g, shapes.Make(dtypes.Int32, dims...), 0)
	used := BroadcastToDims(ConvertDType(usedBatchSize, dtypes.Int32), dims...)
	return ConvertDType(LessThan(batchIdx, used), x.DType())
}

// MaskedMAE returns sum(|predict-real| * weights) / sum(weights), as a scalar.
// Entries whose error is NaN contribute 0, and if all weights are 0 the loss is 0.
//
// With weights 0/1 this is the mean absolute error over the selected entries: it is equivalent to
// normalizing the mask by its mean and taking the mean of the weighted errors.
func MaskedMAE(predict, real, weights *Node) *Node {
	AssertSameShape(predict, real)
	if !slices.Equal(weights.Shape().Dimensions, real.Shape().Dimensions) {
		exceptions.Panicf("MaskedMAE weights shaped %s, but predictions are shaped %s", weights.Shape(), real.Shape())
	}
	absErr := zeroNaN(Abs(Sub(predict, real)))
	total := ReduceAllSum(Mul(absErr, weights))
	norm := ReduceAllSum(weights)
	// A safe denominator keeps the gradient finite when nothing is selected: then total is 0 as well.
	safeNorm := Where(GreaterThan(norm, ZerosLike(norm)), norm, OnesLike(norm))
	return Div(total, safeNorm)
}

// MAE returns the masked MAE of predict against real. If nullValue is given, entries of real equal to it
// are ignored.
func MAE(predict, real *Node, nullValue *float64) *Node {
	return MaskedMAE(predict, real, NullMask(real, nullValue))
}

// CurriculumMAE returns the masked MAE restricted to the first taskLevel steps of the horizon.
// A taskLevel larger than the horizon selects the full horizon.
func CurriculumMAE(predict, real, taskLevel *Node, nullValue *float64) *Node {
	weights := Mul(NullMask(real, nullValue), HorizonMask(real, taskLevel))
	return MaskedMAE(predict, real, weights)
}
