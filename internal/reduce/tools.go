package reduce

import (
	"fmt"
	"log/slog"

	"deepfield/internal/combine"
	"deepfield/internal/fits"
	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/offsets"
	"deepfield/internal/raster"
	"deepfield/internal/sky"
)

// withFrames opens sources, runs fn and closes them again.
func withFrames(sources []frame.Source, log *slog.Logger, fn func([]*frame.Frame) error) error {
	if len(sources) == 0 {
		return combine.ErrEmpty
	}
	set, err := frame.OpenAll(sources)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := set.Close(); cerr != nil {
			log.Warn("closing input frames", "error", cerr)
		}
	}()
	return fn(set.Frames())
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}

// CombineSources combines equally shaped frames without any placement.
// With useMasks each frame's validity mask is honored.
func CombineSources(sources []frame.Source, method combine.Method, useMasks bool, scales []float64, log *slog.Logger) (Product, error) {
	log = orDefault(log)
	var out Product
	err := withFrames(sources, log, func(frames []*frame.Frame) error {
		images := make([]raster.Image, len(frames))
		var masks []raster.Mask
		if useMasks {
			masks = make([]raster.Mask, len(frames))
		}
		for i, f := range frames {
			images[i] = f.Data
			if useMasks {
				masks[i], _ = f.Mask()
			}
		}
		res, err := combine.Combine(images, masks, method, scales)
		if err != nil {
			return err
		}
		hdr := frames[0].Header.Clone()
		hdr.Set("NCOMBINE", len(frames), "number of combined frames")
		hdr.AddHistory(fmt.Sprintf("Combined %d images using '%s'", len(frames), method))
		hdr.AddHistory(fmt.Sprintf("Combination time %s", flow.Stamp()))
		out = Product{Name: "combined", HDUs: []*fits.HDU{
			fits.ImageHDU("", hdr, res.ValueImage()),
			fits.ImageHDU("VARIANCE", nil, res.VarianceImage()),
			fits.CountHDU("MAP", res.Shape, res.Count),
		}}
		log.Info("combined frames", "frames", len(frames), "method", method.String(), "missing", res.Missing())
		return nil
	})
	return out, err
}

// ResolveSources computes coordinate offsets for the frames in sources.
func ResolveSources(sources []frame.Source, refIndex int, log *slog.Logger) (offsets.Resolution, []string, error) {
	log = orDefault(log)
	var res offsets.Resolution
	var names []string
	err := withFrames(sources, log, func(frames []*frame.Frame) error {
		items := make([]offsets.Positioned, len(frames))
		for i, f := range frames {
			items[i] = f
			names = append(names, f.Name)
		}
		var err error
		res, err = offsets.FromWCS(items, offsets.Options{RefIndex: refIndex})
		return err
	})
	return res, names, err
}

// SkySources runs the simple sky estimate over sources.
func SkySources(sources []frame.Source, log *slog.Logger) (Product, string, error) {
	log = orDefault(log)
	var out Product
	var id string
	err := withFrames(sources, log, func(frames []*frame.Frame) error {
		s, err := sky.EstimateSimple(frames, log)
		if err != nil {
			return err
		}
		out = Product{Name: "sky", HDUs: s.HDUs()}
		id = s.ID()
		return nil
	})
	return out, id, err
}

// CorrectSources runs node over every frame and serializes each corrected
// frame, together with its NUM and BPM planes, under the frame's name.
func CorrectSources(sources []frame.Source, node flow.Node, t Target, log *slog.Logger) (int, error) {
	log = orDefault(log)
	n := 0
	err := withFrames(sources, log, func(frames []*frame.Frame) error {
		for _, f := range frames {
			out, err := node.Apply(f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			hdus := []*fits.HDU{fits.ImageHDU("", out.Header, out.Data)}
			if out.Num != nil {
				hdus = append(hdus, fits.ImageHDU("NUM", nil, *out.Num))
			}
			if out.BPM != nil {
				bpm := raster.NewImage(out.BPM.Shape)
				for i, b := range out.BPM.Pix {
					if b {
						bpm.Pix[i] = 1
					}
				}
				hdus = append(hdus, fits.ImageHDU("BPM", nil, bpm))
			}
			if err := (Product{Name: f.Name, HDUs: hdus}).Serialize(t); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
