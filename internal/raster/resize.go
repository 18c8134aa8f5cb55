package raster

import (
	"errors"
	"fmt"
)

// CombineShape returns the smallest canvas holding every array once shifted
// by its offset, and the offsets re-expressed relative to the canvas origin.
func CombineShape(shapes []Shape, offsets []Offset) (Shape, []Offset, error) {
	if len(shapes) == 0 {
		return Shape{}, nil, errors.New("no shapes to combine")
	}
	if len(shapes) != len(offsets) {
		return Shape{}, nil, fmt.Errorf("%d shapes and %d offsets", len(shapes), len(offsets))
	}

	ref := offsets[0]
	for _, o := range offsets[1:] {
		ref.Row = min(ref.Row, o.Row)
		ref.Col = min(ref.Col, o.Col)
	}

	var canvas Shape
	rel := make([]Offset, len(offsets))
	for i, o := range offsets {
		rel[i] = Offset{Row: o.Row - ref.Row, Col: o.Col - ref.Col}
		canvas.Rows = max(canvas.Rows, rel[i].Row+shapes[i].Rows)
		canvas.Cols = max(canvas.Cols, rel[i].Col+shapes[i].Cols)
	}
	return canvas, rel, nil
}

// SameShape repeats shape n times, the common case of equally sized frames.
func SameShape(shape Shape, n int) []Shape {
	out := make([]Shape, n)
	for i := range out {
		out[i] = shape
	}
	return out
}

// RegionAt places an array of the given shape at offset inside canvas.
func RegionAt(canvas Shape, offset Offset, shape Shape) (Region, error) {
	r := Region{
		Row0: offset.Row,
		Row1: offset.Row + shape.Rows,
		Col0: offset.Col,
		Col1: offset.Col + shape.Cols,
	}
	if r.Row0 < 0 || r.Col0 < 0 || r.Row1 > canvas.Rows || r.Col1 > canvas.Cols {
		return Region{}, fmt.Errorf("shape %v at offset %+v exceeds canvas %v", shape, offset, canvas)
	}
	return r, nil
}

// Place copies img into a new canvas-sized image at region r, filling the
// rest with fill.
func Place(img Image, r Region, canvas Shape, fill float32) (Image, error) {
	if r.Shape() != img.Shape {
		return Image{}, fmt.Errorf("place %v into region %v: %w", img.Shape, r.Shape(), ErrShape)
	}
	out := Filled(canvas, fill)
	for row := 0; row < img.Rows; row++ {
		dst := (r.Row0+row)*canvas.Cols + r.Col0
		copy(out.Pix[dst:dst+img.Cols], img.Pix[row*img.Cols:(row+1)*img.Cols])
	}
	return out, nil
}

// PlaceMask is Place for masks. Pixels outside r are marked excluded.
func PlaceMask(m Mask, r Region, canvas Shape) (Mask, error) {
	if r.Shape() != m.Shape {
		return Mask{}, fmt.Errorf("place mask %v into region %v: %w", m.Shape, r.Shape(), ErrShape)
	}
	out := FullMask(canvas)
	for row := 0; row < m.Rows; row++ {
		dst := (r.Row0+row)*canvas.Cols + r.Col0
		copy(out.Pix[dst:dst+m.Cols], m.Pix[row*m.Cols:(row+1)*m.Cols])
	}
	return out, nil
}

// Resize places every image at its offset on a fresh canvas. The regions
// returned let masks and later arrays be placed identically.
func Resize(images []Image, offsets []Offset, canvas Shape, fill float32) ([]Image, []Region, error) {
	if len(images) != len(offsets) {
		return nil, nil, fmt.Errorf("%d images and %d offsets", len(images), len(offsets))
	}
	out := make([]Image, len(images))
	regions := make([]Region, len(images))
	for i, img := range images {
		r, err := RegionAt(canvas, offsets[i], img.Shape)
		if err != nil {
			return nil, nil, fmt.Errorf("image %d: %w", i, err)
		}
		placed, err := Place(img, r, canvas, fill)
		if err != nil {
			return nil, nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = placed
		regions[i] = r
	}
	return out, regions, nil
}

// ResizeWith places images into previously computed regions.
func ResizeWith(images []Image, regions []Region, canvas Shape, fill float32) ([]Image, error) {
	if len(images) != len(regions) {
		return nil, fmt.Errorf("%d images and %d regions", len(images), len(regions))
	}
	out := make([]Image, len(images))
	for i, img := range images {
		placed, err := Place(img, regions[i], canvas, fill)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = placed
	}
	return out, nil
}

// ResizeMasks places masks into the regions computed for their data arrays.
func ResizeMasks(masks []Mask, regions []Region, canvas Shape) ([]Mask, error) {
	if len(masks) != len(regions) {
		return nil, fmt.Errorf("%d masks and %d regions", len(masks), len(regions))
	}
	out := make([]Mask, len(masks))
	for i, m := range masks {
		placed, err := PlaceMask(m, regions[i], canvas)
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		out[i] = placed
	}
	return out, nil
}
