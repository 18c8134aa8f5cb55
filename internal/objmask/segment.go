package objmask

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"deepfield/internal/raster"
)

// Params configure the built-in segmenter.
type Params struct {
	// SNR is the detection threshold in background sigmas.
	SNR float64
	// MinArea drops components smaller than this many pixels.
	MinArea int
	// Border excludes this many pixels along every edge.
	Border int
	// FWHM of the Gaussian smoothing kernel; 0 disables smoothing.
	FWHM float64
}

// DefaultParams are used for zero fields.
var DefaultParams = Params{SNR: 3, MinArea: 15}

// ErrNoBackground is returned when no finite pixels remain to estimate the
// background from.
var ErrNoBackground = errors.New("no finite pixels for background estimate")

// Segmenter thresholds an image above a robust background and labels the
// 8-connected components.
type Segmenter struct {
	p   Params
	log *slog.Logger
}

// NewSegmenter applies defaults to p.
func NewSegmenter(p Params, log *slog.Logger) *Segmenter {
	if p.SNR <= 0 {
		p.SNR = DefaultParams.SNR
	}
	if p.MinArea <= 0 {
		p.MinArea = DefaultParams.MinArea
	}
	if p.Border < 0 {
		p.Border = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{p: p, log: log}
}

// Background returns the median and a robust sigma of the finite pixels.
// The sigma is the scaled MAD, or the standard deviation when the MAD
// collapses to zero.
func Background(img raster.Image) (float64, float64, error) {
	vals := make([]float64, 0, len(img.Pix))
	for _, v := range img.Pix {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		vals = append(vals, f)
	}
	if len(vals) == 0 {
		return 0, 0, ErrNoBackground
	}
	med, err := stats.Median(vals)
	if err != nil {
		return 0, 0, err
	}
	mad, err := stats.MedianAbsoluteDeviation(vals)
	if err != nil {
		return 0, 0, err
	}
	sigma := 1.4826 * mad
	if sigma == 0 && len(vals) > 1 {
		sigma = stat.StdDev(vals, nil)
	}
	return med, sigma, nil
}

// Detect implements Detector. Non-finite pixels never belong to a source.
func (s *Segmenter) Detect(ctx context.Context, img raster.Image) (Labels, error) {
	work := img
	if s.p.FWHM > 0 {
		work = smooth(img, s.p.FWHM/(2*math.Sqrt(2*math.Ln2)))
	}
	bg, sigma, err := Background(work)
	if err != nil {
		return Labels{}, err
	}
	labels := NewLabels(img.Shape)
	if sigma == 0 {
		s.log.Debug("flat image, nothing to detect", "background", bg)
		return labels, nil
	}
	threshold := float32(bg + s.p.SNR*sigma)

	above := make([]bool, len(work.Pix))
	b := s.p.Border
	for row := b; row < img.Rows-b; row++ {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Labels{}, err
			}
		}
		for col := b; col < img.Cols-b; col++ {
			i := row*img.Cols + col
			v := work.Pix[i]
			above[i] = v > threshold && !math.IsNaN(float64(v))
		}
	}

	next := int32(0)
	stack := make([]int, 0, 64)
	component := make([]int, 0, 64)
	for start, on := range above {
		if !on || labels.Pix[start] != 0 {
			continue
		}
		// Label provisionally with -1 so small components can be erased.
		component = component[:0]
		stack = append(stack[:0], start)
		labels.Pix[start] = -1
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, i)
			row, col := i/img.Cols, i%img.Cols
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					r, c := row+dr, col+dc
					if r < 0 || c < 0 || r >= img.Rows || c >= img.Cols {
						continue
					}
					j := r*img.Cols + c
					if above[j] && labels.Pix[j] == 0 {
						labels.Pix[j] = -1
						stack = append(stack, j)
					}
				}
			}
		}
		label := int32(0)
		if len(component) >= s.p.MinArea {
			next++
			label = next
		}
		for _, i := range component {
			labels.Pix[i] = label
		}
		if label == 0 {
			// Keep erased pixels from being revisited.
			for _, i := range component {
				above[i] = false
			}
		}
	}
	labels.N = int(next)
	s.log.Debug("segmentation done", "sources", labels.N, "threshold", threshold, "background", bg, "sigma", sigma)
	return labels, nil
}

// smooth convolves img with a separable Gaussian. Non-finite pixels are
// skipped and the kernel renormalized.
func smooth(img raster.Image, sigma float64) raster.Image {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return img.Clone()
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	pass := func(src raster.Image, horizontal bool) raster.Image {
		dst := raster.NewImage(src.Shape)
		for row := 0; row < src.Rows; row++ {
			for col := 0; col < src.Cols; col++ {
				var sum, wsum float64
				for k, w := range kernel {
					r, c := row, col
					if horizontal {
						c += k - radius
					} else {
						r += k - radius
					}
					if r < 0 || c < 0 || r >= src.Rows || c >= src.Cols {
						continue
					}
					v := float64(src.At(r, c))
					if math.IsNaN(v) || math.IsInf(v, 0) {
						continue
					}
					sum += w * v
					wsum += w
				}
				if wsum == 0 {
					dst.Set(row, col, float32(math.NaN()))
					continue
				}
				dst.Set(row, col, float32(sum/wsum))
			}
		}
		return dst
	}
	return pass(pass(img, true), false)
}
