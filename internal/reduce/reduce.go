// Package reduce runs the dithered-image reduction: offsets, placement,
// optional sky subtraction, cross-correlation refinement, the final masked
// combination and accumulation across rounds.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"deepfield/internal/accum"
	"deepfield/internal/combine"
	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/logging"
	"deepfield/internal/objmask"
	"deepfield/internal/offsets"
	"deepfield/internal/raster"
	"deepfield/internal/sky"
	"deepfield/internal/wcs"
)

// Options control one reduction.
type Options struct {
	// JobID tags processing-step log lines.
	JobID    string
	RefIndex int
	Method   combine.Method
	Sky      sky.Mode
	// ImageFill fills uncovered canvas pixels in the first pass.
	ImageFill float32
	// SkyFill replaces ImageFill once the sky has been subtracted.
	SkyFill   float32
	Refine    bool
	RefineOpt offsets.RefineOptions
	// Errors adds the VARIANCE and MAP planes to products.
	Errors bool
	// NAccum is the accumulation round; 0 disables accumulation.
	NAccum int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Method:    combine.Mean,
		Sky:       sky.Simple,
		ImageFill: 1,
		Refine:    true,
		RefineOpt: offsets.DefaultRefineOptions,
		Errors:    true,
	}
}

// Reducer holds the collaborators of a reduction.
type Reducer struct {
	opts     Options
	detector objmask.Detector
	log      *slog.Logger
}

// New returns a Reducer. det is only consulted in advanced sky mode and may
// be nil otherwise.
func New(opts Options, det objmask.Detector, log *slog.Logger) *Reducer {
	if log == nil {
		log = slog.Default()
	}
	return &Reducer{opts: opts, detector: det, log: log}
}

// Run reduces the frames from sources. prev is the accumulator from the
// previous round, required when NAccum > 1. Every opened frame is closed
// before Run returns.
func (r *Reducer) Run(ctx context.Context, sources []frame.Source, prev *accum.State) (*Result, error) {
	if r.opts.NAccum < 0 {
		return nil, fmt.Errorf("%w: naccum %d", accum.ErrInvalidRound, r.opts.NAccum)
	}
	if len(sources) == 0 {
		return nil, combine.ErrEmpty
	}
	if r.opts.RefIndex < 0 || r.opts.RefIndex >= len(sources) {
		return nil, fmt.Errorf("reference index %d out of range for %d frames", r.opts.RefIndex, len(sources))
	}

	set, err := frame.OpenAll(sources)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := set.Close(); cerr != nil {
			r.log.Warn("closing input frames", "error", cerr)
		}
	}()

	return r.reduce(ctx, set.Frames(), prev)
}

// stage holds the canvas-aligned arrays of one pass.
type stage struct {
	res     offsets.Resolution
	images  []raster.Image
	masks   []raster.Mask
	regions []raster.Region
}

func (r *Reducer) place(frames []*frame.Frame, res offsets.Resolution, own []raster.Mask, fill float32) (stage, error) {
	data := make([]raster.Image, len(frames))
	for i, f := range frames {
		data[i] = f.Data
	}
	images, regions, err := raster.Resize(data, res.Offsets, res.Canvas, fill)
	if err != nil {
		return stage{}, fmt.Errorf("resize: %w", err)
	}
	masks, err := raster.ResizeMasks(own, regions, res.Canvas)
	if err != nil {
		return stage{}, fmt.Errorf("resize masks: %w", err)
	}
	return stage{res: res, images: images, masks: masks, regions: regions}, nil
}

func (r *Reducer) step(name string, details map[string]any) {
	logging.LogProcessingStep(r.log, r.opts.JobID, name, "done", details)
}

func (r *Reducer) reduce(ctx context.Context, frames []*frame.Frame, prev *accum.State) (*Result, error) {
	started := time.Now()
	opts := r.opts
	for _, f := range frames {
		r.log.Info("input is " + f.Name)
	}

	items := make([]offsets.Positioned, len(frames))
	shapes := make([]raster.Shape, len(frames))
	for i, f := range frames {
		items[i] = f
		shapes[i] = f.Shape()
	}
	res, err := offsets.FromWCS(items, offsets.Options{RefIndex: opts.RefIndex})
	if err != nil {
		return nil, fmt.Errorf("offsets: %w", err)
	}
	r.log.Info("canvas shape", "shape", res.Canvas)
	r.log.Debug("relative offsets", "offsets", res.Rounded)
	r.step("offsets", map[string]any{"canvas": res.Canvas.String(), "frames": len(frames)})

	own := make([]raster.Mask, len(frames))
	for i, f := range frames {
		m, src := f.Mask()
		own[i] = m
		switch src {
		case frame.MaskFromNUM:
			r.log.Debug("using NUM extension as mask", "frame", f.Name)
		case frame.MaskFromBPM:
			r.log.Debug("using BPM extension as mask", "frame", f.Name)
		default:
			r.log.Warn("BPM missing, use zeros instead", "frame", f.Name)
		}
	}

	cur, err := r.place(frames, res, own, opts.ImageFill)
	if err != nil {
		return nil, err
	}
	r.step("resize", map[string]any{"fill": opts.ImageFill})

	var skyEst *sky.Sky
	switch {
	case opts.Sky == sky.None:
		r.log.Debug("not computing sky")
	case sky.Applied(frames[0]):
		r.log.Info("sky already subtracted, skipping", "sky", frames[0].Header.String(sky.MarkerKey))
	default:
		skyEst, err = r.estimateSky(ctx, frames, cur)
		if err != nil {
			return nil, err
		}
		chain := flow.Serial{Nodes: []flow.Node{sky.NewCorrector(skyEst, r.log)}, Log: r.log}
		corrected := make([]*frame.Frame, len(frames))
		for i, f := range frames {
			if corrected[i], err = chain.Apply(f); err != nil {
				return nil, fmt.Errorf("sky correction: %w", err)
			}
		}
		frames = corrected
		r.log.Info("resize sky-corrected images")
		if cur, err = r.place(frames, res, own, opts.SkyFill); err != nil {
			return nil, err
		}
		r.step("sky", map[string]any{"mode": opts.Sky.String(), "sky": skyEst.ID()})
	}
	fill := opts.ImageFill
	if skyEst != nil {
		fill = opts.SkyFill
	}

	refined, refineErr := r.refine(cur, shapes)
	if refineErr == nil && refined != nil {
		if cur, err = r.place(frames, *refined, own, fill); err != nil {
			return nil, err
		}
	}

	combined, err := combine.Combine(cur.images, cur.masks, opts.Method, nil)
	if err != nil {
		return nil, fmt.Errorf("combine: %w", err)
	}
	missing := combined.Missing()
	r.log.Info("missing points", "total", missing, "fraction", combined.MissingFraction())
	r.step("combine", map[string]any{"method": opts.Method.String(), "missing": missing})

	product := r.productFrame(frames, cur, combined, skyEst)
	stack := accum.Stack{Frame: product, Combined: combined}

	state, err := accum.Step(prev, stack, opts.NAccum, r.log)
	if err != nil {
		return nil, err
	}
	if opts.NAccum > 0 {
		r.step("accumulate", map[string]any{"round": state.Round})
	}

	out := &Result{
		Frame:   stack,
		Accum:   state,
		Sky:     skyEst,
		errors:  opts.Errors,
		Summary: r.summary(frames, cur, combined, product, skyEst, refined != nil, refineErr, state, started),
	}
	return out, nil
}

// estimateSky runs the configured sky mode. In advanced mode a detection
// failure degrades to masks built from the frames' own validity planes.
func (r *Reducer) estimateSky(ctx context.Context, frames []*frame.Frame, cur stage) (*sky.Sky, error) {
	r.log.Debug("compute sky", "mode", r.opts.Sky.String())
	if r.opts.Sky == sky.Simple {
		return sky.EstimateSimple(frames, r.log)
	}

	first, err := combine.Combine(cur.images, cur.masks, combine.Mean, nil)
	if err != nil {
		return nil, fmt.Errorf("first pass combine: %w", err)
	}
	var objMasks []raster.Mask
	if r.detector == nil {
		r.log.Warn("no source detector configured, sky uses bad-pixel masks only")
	} else {
		img := first.ValueImage().Clone()
		for i, c := range first.Count {
			if c == 0 {
				img.Pix[i] = float32(math.NaN())
			}
		}
		masks, labels, err := objmask.Estimate(ctx, r.detector, img, cur.regions, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("object masks unavailable", "error", err)
		} else {
			r.log.Info("object masks computed", "sources", labels.N, "covered", labels.Covered())
			objMasks = masks
		}
	}
	return sky.EstimateAdvanced(frames, objMasks, r.log)
}

// refine returns offsets corrected by cross-correlation, nil when nothing
// changes. Failures are logged and the coordinate offsets stand.
func (r *Reducer) refine(cur stage, shapes []raster.Shape) (*offsets.Resolution, error) {
	if !r.opts.Refine || len(shapes) < 2 {
		return nil, nil
	}
	ref, err := offsets.Refine(cur.images, cur.masks, r.opts.RefIndex, r.opts.RefineOpt)
	if err != nil {
		var rerr *offsets.RefinementError
		if errors.As(err, &rerr) {
			r.log.Warn("cross-correlation failed, keeping coordinate offsets", "stage", rerr.Stage, "frame", rerr.Frame, "error", rerr.Cause)
		} else {
			r.log.Warn("cross-correlation failed, keeping coordinate offsets", "error", err)
		}
		return nil, err
	}
	changed := false
	for _, c := range ref.Corrections {
		if c != (raster.Offset{}) {
			changed = true
			break
		}
	}
	r.step("refine", map[string]any{"corrections": ref.Corrections})
	if !changed {
		return nil, nil
	}
	res, err := offsets.WithCorrections(cur.res, shapes, ref.Corrections)
	if err != nil {
		r.log.Warn("refined offsets rejected", "error", err)
		return nil, err
	}
	r.log.Debug("refined offsets", "offsets", res.Rounded, "canvas", res.Canvas)
	return &res, nil
}

func (r *Reducer) productFrame(frames []*frame.Frame, cur stage, combined combine.Result, skyEst *sky.Sky) *frame.Frame {
	ref := frames[r.opts.RefIndex]
	off := cur.res.Offsets[r.opts.RefIndex]
	hdr := ref.Header.Clone()
	hdr.Set("UUID", uuid.NewString(), "product identifier")
	hdr.Set("OBSMODE", "DITHERED_IMAGE", "observing mode")
	hdr.Set("NCOMBINE", len(frames), "number of combined frames")
	hdr.Set("DATE", time.Now().UTC().Format("2006-01-02T15:04:05"), "creation date")
	hdr.AddHistory(fmt.Sprintf("Combined %d images using '%s'", len(frames), r.opts.Method))
	hdr.AddHistory(fmt.Sprintf("Combination time %s", flow.Stamp()))
	for _, f := range frames {
		hdr.AddHistory(fmt.Sprintf("Source: %s", f.ID()))
	}
	if skyEst != nil {
		hdr.AddHistory(fmt.Sprintf("Sky: %s", skyEst.ID()))
	}
	hdr.AddHistory(fmt.Sprintf("missing pixels, total: %d, fraction: %3.1f", combined.Missing(), combined.MissingFraction()))
	wcs.ShiftHeader(hdr, float64(off.Col), float64(off.Row))

	f := &frame.Frame{Name: "result", Data: combined.ValueImage(), Header: hdr}
	if sol, err := wcs.FromHeader(hdr); err == nil {
		f.WCS = sol
	}
	return f
}

func (r *Reducer) summary(frames []*frame.Frame, cur stage, combined combine.Result, product *frame.Frame, skyEst *sky.Sky, refined bool, refineErr error, state *accum.State, started time.Time) Summary {
	s := Summary{
		ID:              product.ID(),
		Created:         time.Now().UTC(),
		DurationMS:      time.Since(started).Milliseconds(),
		Method:          r.opts.Method.String(),
		SkyMode:         r.opts.Sky.String(),
		RefIndex:        r.opts.RefIndex,
		Canvas:          cur.res.Canvas,
		Offsets:         cur.res.Offsets,
		Relative:        cur.res.Rounded,
		Refined:         refined,
		Missing:         combined.Missing(),
		MissingFraction: combined.MissingFraction(),
		NAccum:          state.Round,
	}
	if refineErr != nil {
		s.RefineError = refineErr.Error()
	}
	if skyEst != nil {
		s.SkyID = skyEst.ID()
	}
	for _, f := range frames {
		s.Inputs = append(s.Inputs, f.ID())
	}
	return s
}
