package flow

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"deepfield/internal/frame"
	"deepfield/internal/raster"
)

// FlatField divides frames by a flat-field image.
type FlatField struct {
	Corrector
	flat raster.Image
	mean float64
	id   string
	log  *slog.Logger
}

// NewFlatField prepares a flat-field node. Non-positive flat values are
// replaced by 1 so the division stays finite.
func NewFlatField(flat raster.Image, calibID string, log *slog.Logger) *FlatField {
	if log == nil {
		log = slog.Default()
	}
	clean := flat.Clone()
	vals := make([]float64, len(clean.Pix))
	for i, v := range clean.Pix {
		if v <= 0 {
			clean.Pix[i] = 1
		}
		vals[i] = float64(clean.Pix[i])
	}
	mean := 0.0
	if len(vals) > 0 {
		mean = floats.Sum(vals) / float64(len(vals))
	}
	return &FlatField{
		Corrector: Corrector{Key: "NUM-FF", Comment: "flat-field correction"},
		flat:      clean,
		mean:      mean,
		id:        calibID,
		log:       log,
	}
}

// Mean returns the mean of the sanitized flat.
func (n *FlatField) Mean() float64 { return n.mean }

// Apply implements Node.
func (n *FlatField) Apply(f *frame.Frame) (*frame.Frame, error) {
	if f.Data.Shape != n.flat.Shape {
		return nil, fmt.Errorf("flat %v does not match frame %s %v: %w", n.flat.Shape, f.Name, f.Data.Shape, raster.ErrShape)
	}
	n.log.Debug("correcting flat", "frame", f.Name, "flat_mean", n.mean)

	out := raster.NewImage(f.Data.Shape)
	nonFinite := 0
	for i, v := range f.Data.Pix {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			nonFinite++
		}
		out.Pix[i] = v / n.flat.Pix[i]
	}
	if nonFinite > 0 {
		n.log.Warn("image has non-finite pixels", "frame", f.Name, "count", nonFinite)
	}

	res := f.WithData(out,
		fmt.Sprintf("Flat-field correction with %s", n.id),
		fmt.Sprintf("Flat-field correction time %s", Stamp()),
		fmt.Sprintf("Flat-field correction mean %g", n.mean),
	)
	n.Mark(res.Header, n.id)
	return res, nil
}
