// Package sky estimates the background common to a set of frames and
// subtracts it from each of them.
package sky

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"deepfield/internal/combine"
	"deepfield/internal/fits"
	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/raster"
)

// MarkerKey flags frames whose sky was already subtracted.
const MarkerKey = "NUM-SK"

// Mode selects how the sky is estimated.
type Mode int

const (
	None Mode = iota
	Simple
	Advanced
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Simple:
		return "simple"
	case Advanced:
		return "advanced"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a configuration string to a Mode. The empty string is Simple.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simple", "median":
		return Simple, nil
	case "advanced", "masked":
		return Advanced, nil
	case "none", "off":
		return None, nil
	}
	return None, fmt.Errorf("unknown sky mode %q", s)
}

// Sky is an estimated background with its combination planes.
type Sky struct {
	Frame    *frame.Frame
	Combined combine.Result
	Mode     Mode
}

// ID returns the identifier stamped on corrected frames.
func (s *Sky) ID() string { return s.Frame.ID() }

// EstimateSimple median-combines the frames without masks.
func EstimateSimple(frames []*frame.Frame, log *slog.Logger) (*Sky, error) {
	if log == nil {
		log = slog.Default()
	}
	images, err := dataOf(frames)
	if err != nil {
		return nil, err
	}
	res, err := combine.Combine(images, nil, combine.Median, nil)
	if err != nil {
		return nil, fmt.Errorf("simple sky: %w", err)
	}
	log.Debug("simple sky estimated", "frames", len(frames))
	return build(frames, res, Simple, combine.Median), nil
}

// EstimateAdvanced mean-combines the frames, excluding pixels flagged by
// the object masks or by each frame's own validity mask. objMasks may be nil.
func EstimateAdvanced(frames []*frame.Frame, objMasks []raster.Mask, log *slog.Logger) (*Sky, error) {
	if log == nil {
		log = slog.Default()
	}
	images, err := dataOf(frames)
	if err != nil {
		return nil, err
	}
	if objMasks != nil && len(objMasks) != len(frames) {
		return nil, fmt.Errorf("advanced sky: %d object masks for %d frames: %w", len(objMasks), len(frames), combine.ErrShape)
	}
	masks := make([]raster.Mask, len(frames))
	for i, f := range frames {
		own, _ := f.Mask()
		if objMasks == nil {
			masks[i] = own
			continue
		}
		if masks[i], err = raster.Or(objMasks[i], own); err != nil {
			return nil, fmt.Errorf("advanced sky: frame %s: %w", f.Name, err)
		}
	}
	res, err := combine.Combine(images, masks, combine.Mean, nil)
	if err != nil {
		return nil, fmt.Errorf("advanced sky: %w", err)
	}
	sky := build(frames, res, Advanced, combine.Mean)
	missing := res.Missing()
	sky.Frame.Header.AddHistory(fmt.Sprintf("missing pixels, total: %d, fraction: %3.1f", missing, res.MissingFraction()))
	if missing > 0 {
		log.Warn("sky has pixels without data", "missing", missing, "fraction", res.MissingFraction())
	}
	return sky, nil
}

func dataOf(frames []*frame.Frame) ([]raster.Image, error) {
	if len(frames) == 0 {
		return nil, combine.ErrEmpty
	}
	out := make([]raster.Image, len(frames))
	for i, f := range frames {
		out[i] = f.Data
	}
	return out, nil
}

func build(frames []*frame.Frame, res combine.Result, mode Mode, method combine.Method) *Sky {
	hdr := frames[0].Header.Clone()
	id := uuid.NewString()
	hdr.Set("UUID", id, "sky frame identifier")
	hdr.Set(MarkerKey, id, "sky frame")
	hdr.Set("NCOMBINE", len(frames), "frames combined into the sky")
	hdr.AddHistory(fmt.Sprintf("Combined %d images using '%s'", len(frames), method))
	hdr.AddHistory(fmt.Sprintf("Combination time %s", flow.Stamp()))
	for _, f := range frames {
		hdr.AddHistory(fmt.Sprintf("Source: %s", f.ID()))
	}
	return &Sky{
		Frame: &frame.Frame{
			Name:   "sky",
			Data:   res.ValueImage(),
			Header: hdr,
			WCS:    frames[0].WCS,
		},
		Combined: res,
		Mode:     mode,
	}
}

// HDUs returns the sky frame with its variance and count planes.
func (s *Sky) HDUs() []*fits.HDU {
	return []*fits.HDU{
		fits.ImageHDU("", s.Frame.Header, s.Frame.Data),
		fits.ImageHDU("VARIANCE", nil, s.Combined.VarianceImage()),
		fits.CountHDU("MAP", s.Combined.Shape, s.Combined.Count),
	}
}
