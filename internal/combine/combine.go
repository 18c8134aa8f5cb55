// Package combine merges aligned arrays pixel by pixel under a statistic,
// honoring per-pixel masks and tracking variance and contributing counts.
package combine

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"deepfield/internal/raster"
)

var (
	// ErrEmpty is returned when there is nothing to combine.
	ErrEmpty = errors.New("data list is empty")
	// ErrShape is returned when inputs disagree in size or count.
	ErrShape = errors.New("inconsistent inputs")
)

// madScale converts a median absolute deviation into a Gaussian sigma.
const madScale = 1.4826

// Method selects the per-pixel statistic.
type Method int

const (
	Mean Method = iota
	Median
)

func (m Method) String() string {
	switch m {
	case Mean:
		return "mean"
	case Median:
		return "median"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a configuration string to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mean", "average":
		return Mean, nil
	case "median":
		return Median, nil
	default:
		return Mean, fmt.Errorf("unknown combination method %q", s)
	}
}

// Result holds the three parallel outputs of a combination.
type Result struct {
	raster.Shape
	Value    []float32
	Variance []float32
	Count    []int32
}

// ValueImage returns the combined values as an image sharing storage.
func (r Result) ValueImage() raster.Image { return raster.Image{Shape: r.Shape, Pix: r.Value} }

// VarianceImage returns the variance plane as an image sharing storage.
func (r Result) VarianceImage() raster.Image { return raster.Image{Shape: r.Shape, Pix: r.Variance} }

// Missing returns the number of pixels without any contributing frame.
func (r Result) Missing() int {
	n := 0
	for _, c := range r.Count {
		if c == 0 {
			n++
		}
	}
	return n
}

// MissingFraction is Missing relative to the array size.
func (r Result) MissingFraction() float64 {
	if r.Size() == 0 {
		return 0
	}
	return float64(r.Missing()) / float64(r.Size())
}

// CoverageMask marks pixels with zero contributing frames.
func (r Result) CoverageMask() raster.Mask {
	m := raster.NewMask(r.Shape)
	for i, c := range r.Count {
		m.Pix[i] = c == 0
	}
	return m
}

// Combine merges images under method. masks and scales are optional; when
// given they must have one entry per image. A pixel masked in image i does
// not contribute at that location, and unmasked contributions are
// multiplied by scales[i].
func Combine(images []raster.Image, masks []raster.Mask, method Method, scales []float64) (Result, error) {
	shape, err := check(images, masks)
	if err != nil {
		return Result{}, err
	}
	if scales != nil && len(scales) != len(images) {
		return Result{}, fmt.Errorf("scales size %d != number of images %d: %w", len(scales), len(images), ErrShape)
	}

	var reduce func([]float64) (float64, float64)
	switch method {
	case Mean:
		reduce = meanVariance
	case Median:
		reduce = medianVariance
	default:
		return Result{}, fmt.Errorf("unsupported method %v", method)
	}

	out := Result{
		Shape:    shape,
		Value:    make([]float32, shape.Size()),
		Variance: make([]float32, shape.Size()),
		Count:    make([]int32, shape.Size()),
	}
	buf := make([]float64, 0, len(images))
	for p := range out.Value {
		buf = buf[:0]
		for i, img := range images {
			if masks != nil && masks[i].Pix[p] {
				continue
			}
			v := float64(img.Pix[p])
			if scales != nil {
				v *= scales[i]
			}
			buf = append(buf, v)
		}
		out.Count[p] = int32(len(buf))
		switch len(buf) {
		case 0:
		case 1:
			out.Value[p] = float32(buf[0])
		default:
			value, variance := reduce(buf)
			out.Value[p] = float32(value)
			out.Variance[p] = float32(variance)
		}
	}
	return out, nil
}

// Weighted merges images into the weighted mean sum(w*x)/sum(w) over the
// unmasked contributors of each pixel, so a pixel covered by one image keeps
// that image's value. Weights must be positive. The variance is the
// weighted sample variance, 0 for a single contributor.
func Weighted(images []raster.Image, masks []raster.Mask, weights []float64) (Result, error) {
	shape, err := check(images, masks)
	if err != nil {
		return Result{}, err
	}
	if len(weights) != len(images) {
		return Result{}, fmt.Errorf("weights size %d != number of images %d: %w", len(weights), len(images), ErrShape)
	}
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return Result{}, fmt.Errorf("weight %d is %g, expected a positive value: %w", i, w, ErrShape)
		}
	}

	out := Result{
		Shape:    shape,
		Value:    make([]float32, shape.Size()),
		Variance: make([]float32, shape.Size()),
		Count:    make([]int32, shape.Size()),
	}
	vals := make([]float64, 0, len(images))
	ws := make([]float64, 0, len(images))
	for p := range out.Value {
		vals, ws = vals[:0], ws[:0]
		sum := 0.0
		for i, img := range images {
			if masks != nil && masks[i].Pix[p] {
				continue
			}
			vals = append(vals, float64(img.Pix[p]))
			ws = append(ws, weights[i])
			sum += weights[i]
		}
		out.Count[p] = int32(len(vals))
		switch len(vals) {
		case 0:
		case 1:
			out.Value[p] = float32(vals[0])
		default:
			// gonum treats weights as frequencies; rescale them to the
			// contributor count for an n-1 denominator.
			k := float64(len(vals)) / sum
			for j := range ws {
				ws[j] *= k
			}
			value, variance := stat.MeanVariance(vals, ws)
			out.Value[p] = float32(value)
			out.Variance[p] = float32(variance)
		}
	}
	return out, nil
}

// check validates image and mask shapes and returns the common shape.
func check(images []raster.Image, masks []raster.Mask) (raster.Shape, error) {
	if len(images) == 0 {
		return raster.Shape{}, ErrEmpty
	}
	shape := images[0].Shape
	for i, img := range images {
		if img.Shape != shape || len(img.Pix) != shape.Size() {
			return raster.Shape{}, fmt.Errorf("data %d has shape %v, expected %v: %w", i, img.Shape, shape, ErrShape)
		}
	}
	if masks != nil {
		if len(masks) != len(images) {
			return raster.Shape{}, fmt.Errorf("number of images (%d) and masks (%d) is different: %w", len(images), len(masks), ErrShape)
		}
		for i, m := range masks {
			if m.Shape != shape || len(m.Pix) != shape.Size() {
				return raster.Shape{}, fmt.Errorf("mask %d has shape %v, expected %v: %w", i, m.Shape, shape, ErrShape)
			}
		}
	}
	return shape, nil
}

// meanVariance returns the arithmetic mean and the unbiased sample variance.
func meanVariance(values []float64) (float64, float64) {
	return stat.MeanVariance(values, nil)
}

// medianVariance returns the median and the square of the scaled median
// absolute deviation.
func medianVariance(values []float64) (float64, float64) {
	med, err := stats.Median(values)
	if err != nil {
		return 0, 0
	}
	mad, err := stats.MedianAbsoluteDeviation(values)
	if err != nil || math.IsNaN(mad) {
		return med, 0
	}
	sigma := madScale * mad
	return med, sigma * sigma
}
