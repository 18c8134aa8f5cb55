package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"deepfield/internal/accum"
	"deepfield/internal/combine"
	"deepfield/internal/config"
	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/fsutil"
	"deepfield/internal/objmask"
	"deepfield/internal/preview"
	"deepfield/internal/raster"
	"deepfield/internal/reduce"
	"deepfield/internal/sky"
	"deepfield/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	reduceFn  reduceFunc
	detector  objmask.Detector
	previewFn previewFunc
}

type reduceFunc func(ctx context.Context, opts reduce.Options, det objmask.Detector, sources []frame.Source, prev *accum.State, log *slog.Logger) (*reduce.Result, error)

type previewFunc func(path string, img raster.Image, mode preview.Stretch) error

func runReduce(ctx context.Context, opts reduce.Options, det objmask.Detector, sources []frame.Source, prev *accum.State, log *slog.Logger) (*reduce.Result, error) {
	return reduce.New(opts, det, log).Run(ctx, sources, prev)
}

// NewProcessor returns the synchronous job executor used by the workers.
func NewProcessor(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		reduceFn:  runReduce,
		detector:  reduce.Detector(cfg.Reduction.Detection, logger),
		previewFn: preview.Write,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobReduce:
		return r.handleReduce(ctx, job)
	case JobCombine:
		return r.handleCombine(ctx, job)
	case JobOffsets:
		return r.handleOffsets(ctx, job)
	case JobSky:
		return r.handleSky(ctx, job)
	case JobFlat:
		return r.handleFlat(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// inputs resolves the frame list of a job.
func (r *router) inputs(job Job) ([]string, error) {
	if frames := optStrings(job.Options, "frames"); len(frames) > 0 {
		return frames, nil
	}
	if job.InputPath == "" {
		return nil, errors.New("no input frames")
	}
	frames, err := fsutil.ListFrames(job.InputPath)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no FITS frames in %s", job.InputPath)
	}
	return frames, nil
}

// options applies per-job overrides to the configured reduction.
func (r *router) options(job Job) (reduce.Options, error) {
	c := r.cfg.Reduction
	if v := optString(job.Options, "method"); v != "" {
		c.Method = v
	}
	if v := optString(job.Options, "sky"); v != "" {
		c.SkyMode = v
	}
	if v, ok := optInt(job.Options, "refIndex"); ok {
		c.RefIndex = v
	}
	if v, ok := optBool(job.Options, "noRefine"); ok && v {
		c.Refine.Enabled = false
	}
	if v, ok := optBool(job.Options, "errors"); ok {
		c.Errors = v
	}
	opts, err := reduce.FromConfig(c)
	if err != nil {
		return opts, err
	}
	opts.JobID = job.ID
	if v, ok := optInt(job.Options, "naccum"); ok {
		opts.NAccum = v
	}
	return opts, nil
}

// previous loads the accumulator for a round > 1, from an explicit product
// path or from the stored state of the job's sequence.
func (r *router) previous(job Job, naccum int) (*accum.State, error) {
	if naccum <= 1 {
		return nil, nil
	}
	path := optString(job.Options, "accum")
	if path == "" {
		seq := optString(job.Options, "sequence")
		if seq == "" || r.store == nil {
			return nil, fmt.Errorf("%w: round %d needs an accumulator product or sequence", accum.ErrInvalidRound, naccum)
		}
		rec, err := r.store.LoadAccum(seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sequence %s has no accumulator", accum.ErrInvalidRound, seq)
		}
		if err != nil {
			return nil, err
		}
		path = rec.ProductPath
	}
	return reduce.LoadState(path)
}

func (r *router) target(job Job) (*reduce.DirTarget, reduce.Target) {
	out := job.Output
	if out == "" {
		out = filepath.Join(r.cfg.Paths.DefaultOutput, job.ID)
	}
	dir := &reduce.DirTarget{Dir: out}
	return dir, reduce.MultiTarget{dir, r.store.Target(job.ID)}
}

func (r *router) handleReduce(ctx context.Context, job Job) Result {
	paths, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	prev, err := r.previous(job, opts.NAccum)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var det objmask.Detector
	if opts.Sky == sky.Advanced {
		det = r.detector
	}
	res, err := r.reduceFn(ctx, opts, det, frame.Files(paths), prev, r.log.With("job", job.ID))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	dir, t := r.target(job)
	if err := res.Serialize(t); err != nil {
		return Result{Job: job, Error: fmt.Errorf("store result: %w", err)}
	}

	recs := make([]storage.OffsetRecord, len(paths))
	for i, p := range paths {
		recs[i] = storage.OffsetRecord{Index: i, Frame: filepath.Base(p), Refined: res.Summary.Refined}
		if i < len(res.Summary.Offsets) {
			recs[i].Row, recs[i].Col = res.Summary.Offsets[i].Row, res.Summary.Offsets[i].Col
		}
	}
	if err := r.store.RecordOffsets(job.ID, recs); err != nil {
		r.log.Warn("failed to record offsets", "job", job.ID, "error", err)
	}

	product := dir.Path("result")
	if seq := optString(job.Options, "sequence"); seq != "" && res.Accum != nil && res.Accum.Round > 0 {
		if err := r.store.SaveAccum(storage.AccumRecord{Sequence: seq, Round: res.Accum.Round, ProductPath: product}); err != nil {
			return Result{Job: job, Error: fmt.Errorf("save accumulator: %w", err)}
		}
	}

	meta := map[string]any{
		"id":       res.Summary.ID,
		"output":   product,
		"frames":   len(paths),
		"canvas":   res.Summary.Canvas,
		"refined":  res.Summary.Refined,
		"missing":  res.Summary.Missing,
		"naccum":   res.Summary.NAccum,
		"sky_mode": res.Summary.SkyMode,
	}
	if p := r.preview(job, res.Final().Frame.Data, product); p != "" {
		meta["preview"] = p
	}
	return Result{Job: job, Meta: meta}
}

// preview renders a quick-look next to product when enabled by the
// configuration or the job's "preview" option. Failures are logged and do
// not fail the job.
func (r *router) preview(job Job, img raster.Image, product string) string {
	enabled := r.cfg.Preview.Enabled
	if v, ok := optBool(job.Options, "preview"); ok {
		enabled = v
	}
	if !enabled || r.previewFn == nil {
		return ""
	}
	mode, err := preview.ParseStretch(r.cfg.Preview.Stretch)
	if err != nil {
		r.log.Warn("invalid preview stretch", "error", err)
		return ""
	}
	path := preview.PathFor(product)
	if err := r.previewFn(path, img, mode); err != nil {
		r.log.Warn("preview failed", "product", product, "error", err)
		return ""
	}
	return path
}

func (r *router) handleCombine(ctx context.Context, job Job) Result {
	paths, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	method, err := combine.ParseMethod(optString(job.Options, "method"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	useMasks, _ := optBool(job.Options, "masks")
	product, err := reduce.CombineSources(frame.Files(paths), method, useMasks, optFloats(job.Options, "scales"), r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dir, t := r.target(job)
	if err := product.Serialize(t); err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"output": dir.Path(product.Name),
		"frames": len(paths),
		"method": method.String(),
	}
	if p := r.preview(job, product.HDUs[0].Image(), dir.Path(product.Name)); p != "" {
		meta["preview"] = p
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleOffsets(ctx context.Context, job Job) Result {
	paths, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	refIndex, _ := optInt(job.Options, "refIndex")
	res, names, err := reduce.ResolveSources(frame.Files(paths), refIndex, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	recs := make([]storage.OffsetRecord, len(names))
	for i, name := range names {
		recs[i] = storage.OffsetRecord{Index: i, Frame: name, Row: res.Offsets[i].Row, Col: res.Offsets[i].Col}
	}
	if err := r.store.RecordOffsets(job.ID, recs); err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"frames":   len(names),
		"canvas":   res.Canvas,
		"offsets":  res.Offsets,
		"relative": res.Rounded,
	}
	if job.Output != "" {
		_, t := r.target(job)
		if err := t.PutRecord("offsets", meta); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleSky(ctx context.Context, job Job) Result {
	paths, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	product, id, err := reduce.SkySources(frame.Files(paths), r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dir, t := r.target(job)
	if err := product.Serialize(t); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output": dir.Path(product.Name),
		"frames": len(paths),
		"sky_id": id,
	}}
}

func (r *router) handleFlat(ctx context.Context, job Job) Result {
	flatPath := optString(job.Options, "flat")
	if flatPath == "" {
		return Result{Job: job, Error: errors.New("flat job needs a flat field")}
	}
	paths, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	h, err := frame.File{Path: flatPath}.Open()
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("flat field: %w", err)}
	}
	flat := flow.NewFlatField(h.Data, h.ID(), r.log)
	if err := h.Close(); err != nil {
		r.log.Warn("closing flat field", "error", err)
	}

	dir, t := r.target(job)
	n, err := reduce.CorrectSources(frame.Files(paths), flow.Serial{Nodes: []flow.Node{flat}, Log: r.log}, t, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":    dir.Dir,
		"frames":    n,
		"flat":      flatPath,
		"flat_mean": flat.Mean(),
	}}
}
