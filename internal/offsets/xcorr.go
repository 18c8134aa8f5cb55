package offsets

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"deepfield/internal/raster"
)

// RefineOptions tune the cross-correlation pass.
type RefineOptions struct {
	// Box is the side of each correlation region in pixels.
	Box int
	// Quadrants adds four regions centered on the canvas quadrants.
	Quadrants bool
	// MaxShift bounds the search in each axis.
	MaxShift int
	// MaxIter bounds the sub-pixel peak refinement.
	MaxIter int
	// Tolerance stops the sub-pixel refinement once a step moves less.
	Tolerance float64
}

// DefaultRefineOptions are used for zero fields.
var DefaultRefineOptions = RefineOptions{Box: 64, Quadrants: true, MaxShift: 10, MaxIter: 10, Tolerance: 0.01}

func (o RefineOptions) withDefaults() RefineOptions {
	d := DefaultRefineOptions
	if o.Box > 0 {
		d.Box = o.Box
	}
	d.Quadrants = o.Quadrants
	if o.MaxShift > 0 {
		d.MaxShift = o.MaxShift
	}
	if o.MaxIter > 0 {
		d.MaxIter = o.MaxIter
	}
	if o.Tolerance > 0 {
		d.Tolerance = o.Tolerance
	}
	return d
}

// RefinementError reports why cross-correlation could not produce offsets.
type RefinementError struct {
	Stage string
	Frame int
	Cause error
}

func (e *RefinementError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("cross-correlation %s failed for frame %d: %v", e.Stage, e.Frame, e.Cause)
	}
	return fmt.Sprintf("cross-correlation %s failed: %v", e.Stage, e.Cause)
}

func (e *RefinementError) Unwrap() error { return e.Cause }

var (
	errNoRegions  = errors.New("no region fits inside the canvas")
	errDegenerate = errors.New("region has no usable signal")
)

// Refinement holds per-frame integer corrections to add to coordinate
// offsets. SubPixel keeps the unrounded (row, col) estimates.
type Refinement struct {
	Corrections []raster.Offset
	SubPixel    [][2]float64
}

// Refine cross-correlates regions of every canvas-aligned image against
// images[ref]. masks may be nil. The returned corrections move each
// frame's placement so that its content lines up with the reference; the
// sub-pixel remainder is discarded.
func Refine(images []raster.Image, masks []raster.Mask, ref int, opts RefineOptions) (Refinement, error) {
	opts = opts.withDefaults()
	if ref < 0 || ref >= len(images) {
		return Refinement{}, &RefinementError{Stage: "setup", Frame: -1, Cause: fmt.Errorf("reference index %d out of range", ref)}
	}
	if masks != nil && len(masks) != len(images) {
		return Refinement{}, &RefinementError{Stage: "setup", Frame: -1, Cause: fmt.Errorf("%d masks for %d images", len(masks), len(images))}
	}
	canvas := images[ref].Shape
	for i, img := range images {
		if img.Shape != canvas {
			return Refinement{}, &RefinementError{Stage: "setup", Frame: i, Cause: raster.ErrShape}
		}
	}

	regions := correlationRegions(canvas, opts)
	if len(regions) == 0 {
		return Refinement{}, &RefinementError{Stage: "regions", Frame: -1, Cause: errNoRegions}
	}

	maskOf := func(i int) *raster.Mask {
		if masks == nil {
			return nil
		}
		return &masks[i]
	}

	out := Refinement{
		Corrections: make([]raster.Offset, len(images)),
		SubPixel:    make([][2]float64, len(images)),
	}
	for i := range images {
		if i == ref {
			continue
		}
		var rows, cols []float64
		var subRows, subCols []float64
		for _, r := range regions {
			peak, sub, ok := correlateRegion(images[ref], maskOf(ref), images[i], maskOf(i), r, opts)
			if !ok {
				continue
			}
			rows = append(rows, float64(peak.Row))
			cols = append(cols, float64(peak.Col))
			subRows = append(subRows, sub[0])
			subCols = append(subCols, sub[1])
		}
		if len(rows) == 0 {
			return Refinement{}, &RefinementError{Stage: "correlate", Frame: i, Cause: errDegenerate}
		}
		dr, _ := stats.Median(rows)
		dc, _ := stats.Median(cols)
		sr, _ := stats.Median(subRows)
		sc, _ := stats.Median(subCols)
		out.Corrections[i] = raster.Offset{Row: -int(math.Trunc(dr)), Col: -int(math.Trunc(dc))}
		out.SubPixel[i] = [2]float64{-sr, -sc}
	}
	return out, nil
}

// correlationRegions returns the center box and, optionally, the quadrant
// boxes that fit with room for the search.
func correlationRegions(canvas raster.Shape, opts RefineOptions) []raster.Region {
	centers := [][2]int{{canvas.Rows / 2, canvas.Cols / 2}}
	if opts.Quadrants {
		centers = append(centers,
			[2]int{canvas.Rows / 4, canvas.Cols / 4},
			[2]int{canvas.Rows / 4, 3 * canvas.Cols / 4},
			[2]int{3 * canvas.Rows / 4, canvas.Cols / 4},
			[2]int{3 * canvas.Rows / 4, 3 * canvas.Cols / 4},
		)
	}
	margin := opts.MaxShift + 1
	var out []raster.Region
	for _, c := range centers {
		r := raster.Region{
			Row0: c[0] - opts.Box/2, Row1: c[0] - opts.Box/2 + opts.Box,
			Col0: c[1] - opts.Box/2, Col1: c[1] - opts.Box/2 + opts.Box,
		}
		if r.Row0-margin < 0 || r.Col0-margin < 0 || r.Row1+margin > canvas.Rows || r.Col1+margin > canvas.Cols {
			continue
		}
		out = append(out, r)
	}
	return out
}

// correlateRegion finds the integer shift maximizing the normalized
// cross-correlation of box r, then refines it with a parabolic fit,
// re-centering on a neighbor while the vertex falls outside the cell.
func correlateRegion(ref raster.Image, refMask *raster.Mask, img raster.Image, imgMask *raster.Mask, r raster.Region, opts RefineOptions) (raster.Offset, [2]float64, bool) {
	score := func(du, dv int) float64 {
		return ncc(ref, refMask, img, imgMask, r, du, dv)
	}

	best := math.Inf(-1)
	var peak raster.Offset
	for du := -opts.MaxShift; du <= opts.MaxShift; du++ {
		for dv := -opts.MaxShift; dv <= opts.MaxShift; dv++ {
			if s := score(du, dv); s > best {
				best, peak = s, raster.Offset{Row: du, Col: dv}
			}
		}
	}
	if math.IsInf(best, -1) {
		return raster.Offset{}, [2]float64{}, false
	}

	sub := [2]float64{float64(peak.Row), float64(peak.Col)}
	for iter := 0; iter < opts.MaxIter; iter++ {
		fr := vertex(score(peak.Row-1, peak.Col), best, score(peak.Row+1, peak.Col))
		fc := vertex(score(peak.Row, peak.Col-1), best, score(peak.Row, peak.Col+1))
		next := [2]float64{float64(peak.Row) + fr, float64(peak.Col) + fc}
		moved := math.Hypot(next[0]-sub[0], next[1]-sub[1])
		sub = next

		step := raster.Offset{Row: peak.Row, Col: peak.Col}
		if fr > 0.5 {
			step.Row++
		} else if fr < -0.5 {
			step.Row--
		}
		if fc > 0.5 {
			step.Col++
		} else if fc < -0.5 {
			step.Col--
		}
		if step == peak || abs(step.Row) > opts.MaxShift || abs(step.Col) > opts.MaxShift {
			if moved < opts.Tolerance {
				break
			}
			continue
		}
		s := score(step.Row, step.Col)
		if s <= best {
			break
		}
		peak, best = step, s
	}
	return peak, sub, true
}

// vertex returns the offset of the parabola through three equally spaced
// samples, clamped to one cell.
func vertex(left, center, right float64) float64 {
	if math.IsInf(left, -1) || math.IsInf(right, -1) {
		return 0
	}
	den := left - 2*center + right
	if den >= 0 {
		return 0
	}
	v := 0.5 * (left - right) / den
	return math.Max(-1, math.Min(1, v))
}

// ncc correlates ref over r with img over r shifted by (du, dv). Pixels
// masked in either image are skipped. It returns -Inf when the overlap
// carries no variance.
func ncc(ref raster.Image, refMask *raster.Mask, img raster.Image, imgMask *raster.Mask, r raster.Region, du, dv int) float64 {
	n := r.Shape().Size()
	x := make([]float64, 0, n)
	y := make([]float64, 0, n)
	for row := r.Row0; row < r.Row1; row++ {
		srow := row + du
		if srow < 0 || srow >= img.Rows {
			continue
		}
		for col := r.Col0; col < r.Col1; col++ {
			scol := col + dv
			if scol < 0 || scol >= img.Cols {
				continue
			}
			if refMask != nil && refMask.At(row, col) {
				continue
			}
			if imgMask != nil && imgMask.At(srow, scol) {
				continue
			}
			x = append(x, float64(ref.At(row, col)))
			y = append(y, float64(img.At(srow, scol)))
		}
	}
	if len(x) < 3 {
		return math.Inf(-1)
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return math.Inf(-1)
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
