// Package scaler implements the invertible normalization applied to the sensor readings before they
// are fed to the model, and undone on predictions before computing losses and metrics.
package scaler

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/graph"
	"github.com/pkg/errors"
)

// Scaler normalizes values and inverts the normalization, preserving shapes.
type Scaler interface {
	// Transform normalizes values in place.
	Transform(values []float32)

	// InverseTransform undoes Transform in place.
	InverseTransform(values []float32)

	// InverseTransformGraph undoes Transform on a graph node.
	InverseTransformGraph(x *graph.Node) *graph.Node
}

// Standard is a z-score scaler: Transform maps v to (v-Mean)/Std.
type Standard struct {
	Mean, Std float32
}

// Assert Standard is a Scaler.
var _ Scaler = Standard{}

// Fit returns the Standard scaler for values.
// A constant series gets Std=1, so it is still invertible.
func Fit(values []float32) (Standard, error) {
	if len(values) == 0 {
		return Standard{}, errors.New("cannot fit a scaler to an empty series")
	}
	var mean float32
	for _, v := range values {
		mean += v
	}
	mean /= float32(len(values))
	var variance float32
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float32(len(values))
	std := math32.Sqrt(variance)
	if std == 0 || math32.IsNaN(std) {
		std = 1
	}
	return Standard{Mean: mean, Std: std}, nil
}

// Transform implements Scaler.
func (s Standard) Transform(values []float32) {
	for ii, v := range values {
		values[ii] = (v - s.Mean) / s.Std
	}
}

// InverseTransform implements Scaler.
func (s Standard) InverseTransform(values []float32) {
	for ii, v := range values {
		values[ii] = v*s.Std + s.Mean
	}
}

// InverseTransformGraph implements Scaler.
func (s Standard) InverseTransformGraph(x *graph.Node) *graph.Node {
	return graph.AddScalar(graph.MulScalar(x, float64(s.Std)), float64(s.Mean))
}

// Identity is a Scaler that leaves the values unchanged.
type Identity struct{}

// Transform implements Scaler.
func (Identity) Transform([]float32) {}

// InverseTransform implements Scaler.
func (Identity) InverseTransform([]float32) {}

// InverseTransformGraph implements Scaler.
func (Identity) InverseTransformGraph(x *graph.Node) *graph.Node { return x }
