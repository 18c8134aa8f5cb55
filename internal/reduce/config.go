package reduce

import (
	"log/slog"

	"deepfield/internal/combine"
	"deepfield/internal/config"
	"deepfield/internal/objmask"
	"deepfield/internal/offsets"
	"deepfield/internal/sky"
)

// FromConfig translates the reduction settings into Options.
func FromConfig(c config.Reduction) (Options, error) {
	method, err := combine.ParseMethod(c.Method)
	if err != nil {
		return Options{}, err
	}
	mode, err := sky.ParseMode(c.SkyMode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		RefIndex:  c.RefIndex,
		Method:    method,
		Sky:       mode,
		ImageFill: float32(c.ImageFill),
		SkyFill:   float32(c.SkyFill),
		Refine:    c.Refine.Enabled,
		RefineOpt: offsets.RefineOptions{
			Box:       c.Refine.Box,
			Quadrants: c.Refine.Quadrants,
			MaxShift:  c.Refine.MaxShift,
			MaxIter:   c.Refine.MaxIter,
			Tolerance: c.Refine.Tolerance,
		},
		Errors: c.Errors,
	}, nil
}

// Detector builds the segmenter described by d.
func Detector(d config.Detection, log *slog.Logger) objmask.Detector {
	return objmask.NewSegmenter(objmask.Params{
		SNR:     d.SNR,
		MinArea: d.MinArea,
		Border:  d.Border,
		FWHM:    d.FWHM,
	}, log)
}
