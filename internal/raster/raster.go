// Package raster holds the float32 image, mask and region types the
// reduction works on, and places frames onto a common canvas.
package raster

import (
	"errors"
	"fmt"
)

// ErrShape reports arrays whose dimensions do not agree.
var ErrShape = errors.New("shape mismatch")

// Shape is a 2D array size in (rows, cols) order.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Size returns the number of pixels.
func (s Shape) Size() int { return s.Rows * s.Cols }

// Center returns the geometric center in (row, col) pixel units.
func (s Shape) Center() (float64, float64) {
	return float64(s.Rows) / 2, float64(s.Cols) / 2
}

func (s Shape) String() string { return fmt.Sprintf("(%d, %d)", s.Rows, s.Cols) }

// Offset is an integer pixel displacement in (row, col) order.
type Offset struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Region is a half-open index window [Row0,Row1) x [Col0,Col1).
type Region struct {
	Row0 int `json:"row0"`
	Row1 int `json:"row1"`
	Col0 int `json:"col0"`
	Col1 int `json:"col1"`
}

// Shape returns the extent of the window.
func (r Region) Shape() Shape { return Shape{Rows: r.Row1 - r.Row0, Cols: r.Col1 - r.Col0} }

// Contains reports whether (row, col) is inside the window.
func (r Region) Contains(row, col int) bool {
	return row >= r.Row0 && row < r.Row1 && col >= r.Col0 && col < r.Col1
}

// Image is a row-major single precision pixel grid.
type Image struct {
	Shape
	Pix []float32
}

// NewImage allocates a zeroed image.
func NewImage(shape Shape) Image {
	return Image{Shape: shape, Pix: make([]float32, shape.Size())}
}

// Filled allocates an image with every pixel set to v.
func Filled(shape Shape, v float32) Image {
	img := NewImage(shape)
	if v != 0 {
		for i := range img.Pix {
			img.Pix[i] = v
		}
	}
	return img
}

// At returns the pixel at (row, col).
func (m Image) At(row, col int) float32 { return m.Pix[row*m.Cols+col] }

// Set stores v at (row, col).
func (m Image) Set(row, col int, v float32) { m.Pix[row*m.Cols+col] = v }

// Clone returns a deep copy.
func (m Image) Clone() Image {
	out := Image{Shape: m.Shape, Pix: make([]float32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// Crop copies the pixels inside r into a new image.
func (m Image) Crop(r Region) Image {
	out := NewImage(r.Shape())
	for row := r.Row0; row < r.Row1; row++ {
		copy(out.Pix[(row-r.Row0)*out.Cols:(row-r.Row0+1)*out.Cols], m.Pix[row*m.Cols+r.Col0:row*m.Cols+r.Col1])
	}
	return out
}

// Mask marks excluded pixels with true.
type Mask struct {
	Shape
	Pix []bool
}

// NewMask allocates an all-valid mask.
func NewMask(shape Shape) Mask {
	return Mask{Shape: shape, Pix: make([]bool, shape.Size())}
}

// FullMask allocates a mask with every pixel excluded.
func FullMask(shape Shape) Mask {
	m := NewMask(shape)
	for i := range m.Pix {
		m.Pix[i] = true
	}
	return m
}

// At reports whether (row, col) is excluded.
func (m Mask) At(row, col int) bool { return m.Pix[row*m.Cols+col] }

// Count returns the number of excluded pixels.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// Crop copies the mask inside r.
func (m Mask) Crop(r Region) Mask {
	out := NewMask(r.Shape())
	for row := r.Row0; row < r.Row1; row++ {
		copy(out.Pix[(row-r.Row0)*out.Cols:(row-r.Row0+1)*out.Cols], m.Pix[row*m.Cols+r.Col0:row*m.Cols+r.Col1])
	}
	return out
}

// Or returns the union of two masks of equal shape.
func Or(a, b Mask) (Mask, error) {
	if a.Shape != b.Shape {
		return Mask{}, fmt.Errorf("or %v with %v: %w", a.Shape, b.Shape, ErrShape)
	}
	out := NewMask(a.Shape)
	for i := range out.Pix {
		out.Pix[i] = a.Pix[i] || b.Pix[i]
	}
	return out, nil
}

// And returns the intersection of two masks of equal shape.
func And(a, b Mask) (Mask, error) {
	if a.Shape != b.Shape {
		return Mask{}, fmt.Errorf("and %v with %v: %w", a.Shape, b.Shape, ErrShape)
	}
	out := NewMask(a.Shape)
	for i := range out.Pix {
		out.Pix[i] = a.Pix[i] && b.Pix[i]
	}
	return out, nil
}
