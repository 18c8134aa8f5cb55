// Package preview renders quick-look PNGs of combined images.
package preview

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/montanaflynn/stats"
	"gopkg.in/gographics/imagick.v3/imagick"

	"deepfield/internal/raster"
)

// Stretch selects the display transfer function.
type Stretch string

const (
	Linear Stretch = "linear"
	Asinh  Stretch = "asinh"
)

// ParseStretch maps a configuration string; the empty string is Asinh.
func ParseStretch(s string) (Stretch, error) {
	switch Stretch(strings.ToLower(strings.TrimSpace(s))) {
	case "", Asinh:
		return Asinh, nil
	case Linear:
		return Linear, nil
	}
	return "", fmt.Errorf("unknown stretch %q", s)
}

const (
	lowPercentile  = 0.5
	highPercentile = 99.5
	asinhSoftening = 10.0
)

// Levels returns the display black and white points.
func Levels(img raster.Image) (float64, float64, error) {
	vals := make([]float64, 0, len(img.Pix))
	for _, v := range img.Pix {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		vals = append(vals, f)
	}
	if len(vals) == 0 {
		return 0, 0, fmt.Errorf("no finite pixels")
	}
	lo, err := stats.Percentile(vals, lowPercentile)
	if err != nil {
		return 0, 0, err
	}
	hi, err := stats.Percentile(vals, highPercentile)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// Render maps img to 8-bit gray, flipped so the first row ends up at the
// bottom as in the FITS convention.
func Render(img raster.Image, mode Stretch) ([]byte, error) {
	lo, hi, err := Levels(img)
	if err != nil {
		return nil, err
	}
	span := hi - lo
	out := make([]byte, img.Size())
	for row := 0; row < img.Rows; row++ {
		dst := (img.Rows - 1 - row) * img.Cols
		for col := 0; col < img.Cols; col++ {
			v := float64(img.At(row, col))
			x := 0.0
			if span > 0 && !math.IsNaN(v) {
				x = math.Max(0, math.Min(1, (v-lo)/span))
			}
			if mode == Asinh {
				x = math.Asinh(asinhSoftening*x) / math.Asinh(asinhSoftening)
			}
			out[dst+col] = byte(math.Round(x * 255))
		}
	}
	return out, nil
}

// Write renders img and stores it as a PNG at path.
func Write(path string, img raster.Image, mode Stretch) error {
	pix, err := Render(img, mode)
	if err != nil {
		return err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ConstituteImage(uint(img.Cols), uint(img.Rows), "I", imagick.PIXEL_CHAR, pix); err != nil {
		return fmt.Errorf("build preview: %w", err)
	}
	if err := wand.SetImageFormat("PNG"); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := wand.WriteImage("png:" + tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write preview: %w", err)
	}
	return os.Rename(tmp, path)
}

// PathFor returns the preview location next to a FITS product.
func PathFor(product string) string {
	return strings.TrimSuffix(product, filepath.Ext(product)) + ".png"
}
