// Package objmask turns a source segmentation of a first-pass combination
// into per-frame masks covering detected objects.
package objmask

import (
	"context"
	"fmt"

	"deepfield/internal/raster"
)

// Labels is a segmentation map: every detected source carries a distinct
// positive label, background is 0.
type Labels struct {
	raster.Shape
	Pix []int32
	N   int
}

// NewLabels returns an empty map.
func NewLabels(shape raster.Shape) Labels {
	return Labels{Shape: shape, Pix: make([]int32, shape.Size())}
}

// At returns the label at (row, col).
func (l Labels) At(row, col int) int32 { return l.Pix[row*l.Cols+col] }

// Covered counts the pixels belonging to any source.
func (l Labels) Covered() int {
	n := 0
	for _, v := range l.Pix {
		if v > 0 {
			n++
		}
	}
	return n
}

// Detector produces a segmentation map for an image.
type Detector interface {
	Detect(ctx context.Context, img raster.Image) (Labels, error)
}

// Masks cuts the segmentation at every region and marks source pixels. When
// bpms[i] is non-nil the frame's mask is ANDed with it.
func Masks(labels Labels, regions []raster.Region, bpms []*raster.Mask) ([]raster.Mask, error) {
	if bpms != nil && len(bpms) != len(regions) {
		return nil, fmt.Errorf("%d bad-pixel masks for %d regions", len(bpms), len(regions))
	}
	out := make([]raster.Mask, len(regions))
	for i, r := range regions {
		if r.Row0 < 0 || r.Col0 < 0 || r.Row1 > labels.Rows || r.Col1 > labels.Cols {
			return nil, fmt.Errorf("region %d %+v outside segmentation %v", i, r, labels.Shape)
		}
		m := raster.NewMask(r.Shape())
		for row := r.Row0; row < r.Row1; row++ {
			for col := r.Col0; col < r.Col1; col++ {
				m.Pix[(row-r.Row0)*m.Cols+(col-r.Col0)] = labels.At(row, col) > 0
			}
		}
		if bpms != nil && bpms[i] != nil {
			var err error
			if m, err = raster.And(m, *bpms[i]); err != nil {
				return nil, fmt.Errorf("region %d: %w", i, err)
			}
		}
		out[i] = m
	}
	return out, nil
}

// Estimate runs det on the combined image and derives per-frame masks.
// Detection failures are returned wrapped; callers decide whether to go on
// without object masks.
func Estimate(ctx context.Context, det Detector, combined raster.Image, regions []raster.Region, bpms []*raster.Mask) ([]raster.Mask, Labels, error) {
	labels, err := det.Detect(ctx, combined)
	if err != nil {
		return nil, Labels{}, fmt.Errorf("object detection: %w", err)
	}
	if labels.Shape != combined.Shape {
		return nil, Labels{}, fmt.Errorf("object detection returned %v for %v: %w", labels.Shape, combined.Shape, raster.ErrShape)
	}
	masks, err := Masks(labels, regions, bpms)
	if err != nil {
		return nil, Labels{}, err
	}
	return masks, labels, nil
}
