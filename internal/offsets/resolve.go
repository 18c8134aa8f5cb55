// Package offsets resolves integer pixel offsets between frames, first from
// their coordinate transforms and then, best effort, by cross-correlation.
package offsets

import (
	"errors"
	"fmt"
	"math"

	"deepfield/internal/raster"
	"deepfield/internal/wcs"
)

// Positioned is anything with a pixel grid and a coordinate transform.
type Positioned interface {
	Shape() raster.Shape
	Transform() wcs.Transform
}

// Item adapts a shape and transform pair to Positioned.
type Item struct {
	Size raster.Shape
	WCS  wcs.Transform
}

func (i Item) Shape() raster.Shape      { return i.Size }
func (i Item) Transform() wcs.Transform { return i.WCS }

// Options tune the coordinate resolver.
type Options struct {
	// RefIndex selects the frame defining the origin.
	RefIndex int
	// RefPixel overrides the reference position, in 1-based (x, y) pixels
	// of the reference frame. The default is its geometric center.
	RefPixel *[2]float64
}

// Resolution is the outcome of resolving a frame set.
type Resolution struct {
	Canvas raster.Shape
	// Offsets place each frame on the canvas.
	Offsets []raster.Offset
	// Rounded are the integer offsets relative to the reference frame.
	Rounded []raster.Offset
	// RefPixel is the (x, y) position used, in reference frame pixels.
	RefPixel [2]float64
	// Raw holds the unrounded (row, col) offsets relative to the reference.
	Raw [][2]float64
}

// RefOffset is the canvas offset of the reference frame.
func (r Resolution) RefOffset(ref int) raster.Offset { return r.Offsets[ref] }

// FromWCS converts the reference pixel through the reference frame's
// transform to a world position, inverts it through every other frame's
// transform, and rounds the displacement to whole pixels.
func FromWCS(items []Positioned, opts Options) (Resolution, error) {
	if len(items) == 0 {
		return Resolution{}, errors.New("no frames to resolve")
	}
	ref := opts.RefIndex
	if ref < 0 || ref >= len(items) {
		return Resolution{}, fmt.Errorf("reference index %d out of range [0, %d)", ref, len(items))
	}
	refT := items[ref].Transform()
	if refT == nil {
		return Resolution{}, fmt.Errorf("reference frame %d has no coordinate transform", ref)
	}

	var refpix [2]float64
	if opts.RefPixel != nil {
		refpix = *opts.RefPixel
	} else {
		shape := items[ref].Shape()
		refpix = [2]float64{float64(shape.Cols) / 2, float64(shape.Rows) / 2}
	}
	a, b, err := refT.PixelToWorld(refpix[0], refpix[1])
	if err != nil {
		return Resolution{}, fmt.Errorf("reference pixel to world: %w", err)
	}

	res := Resolution{
		RefPixel: refpix,
		Raw:      make([][2]float64, len(items)),
		Rounded:  make([]raster.Offset, len(items)),
	}
	shapes := make([]raster.Shape, len(items))
	for i, it := range items {
		shapes[i] = it.Shape()
		if i == ref {
			continue
		}
		t := it.Transform()
		if t == nil {
			return Resolution{}, fmt.Errorf("frame %d has no coordinate transform", i)
		}
		x, y, err := t.WorldToPixel(a, b)
		if err != nil {
			return Resolution{}, fmt.Errorf("frame %d world to pixel: %w", i, err)
		}
		row, col := refpix[1]-y, refpix[0]-x
		res.Raw[i] = [2]float64{row, col}
		res.Rounded[i] = raster.Offset{Row: int(math.Round(row)), Col: int(math.Round(col))}
	}

	canvas, rel, err := raster.CombineShape(shapes, res.Rounded)
	if err != nil {
		return Resolution{}, err
	}
	res.Canvas = canvas
	res.Offsets = rel
	return res, nil
}

// WithCorrections adds per-frame integer corrections to the rounded offsets
// and recomputes the canvas.
func WithCorrections(base Resolution, shapes []raster.Shape, corr []raster.Offset) (Resolution, error) {
	if len(corr) != len(base.Rounded) {
		return Resolution{}, fmt.Errorf("%d corrections for %d frames", len(corr), len(base.Rounded))
	}
	out := base
	out.Rounded = make([]raster.Offset, len(corr))
	for i, c := range corr {
		out.Rounded[i] = raster.Offset{Row: base.Rounded[i].Row + c.Row, Col: base.Rounded[i].Col + c.Col}
	}
	canvas, rel, err := raster.CombineShape(shapes, out.Rounded)
	if err != nil {
		return Resolution{}, err
	}
	out.Canvas = canvas
	out.Offsets = rel
	return out, nil
}
