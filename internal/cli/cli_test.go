package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deepfield/internal/config"
	"deepfield/internal/pipeline"
	"deepfield/internal/storage"
	"deepfield/internal/watch"
)

func TestCommandsSubmitJobs(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
	}{
		{"reduce", []string{"reduce", temp, "--sky", "advanced", "--naccum", "2", "--accum", "prev.fits"}, pipeline.JobReduce},
		{"combine", []string{"combine", temp, "--method", "median", "--masks"}, pipeline.JobCombine},
		{"offsets", []string{"offsets", temp, "--ref", "1"}, pipeline.JobOffsets},
		{"sky", []string{"sky", temp}, pipeline.JobSky},
		{"flat", []string{"flat", temp, "--flat", filepath.Join(temp, "flat.fits")}, pipeline.JobFlat},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if _, err := execute(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			job := fakePipe.jobs[0]
			if job.Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, job.Type)
			}
			if job.InputPath != temp {
				t.Fatalf("expected input %s, got %s", temp, job.InputPath)
			}
		})
	}
}

func TestReduceFlagsBecomeOptions(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	out, err := execute(root, "reduce", "a.fits", "b.fits", "--method", "median", "--no-refine", "--sequence", "m31", "--output", "/out/x")
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	job := fakePipe.jobs[0]
	if job.Output != "/out/x" {
		t.Fatalf("unexpected output %s", job.Output)
	}
	frames, _ := job.Options["frames"].([]string)
	if len(frames) != 2 || frames[1] != "b.fits" {
		t.Fatalf("unexpected frames %v", job.Options["frames"])
	}
	if job.Options["method"] != "median" || job.Options["noRefine"] != true || job.Options["sequence"] != "m31" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if _, ok := job.Options["naccum"]; ok {
		t.Fatalf("naccum should be omitted when not set")
	}
	if !strings.Contains(out, "ok:") {
		t.Fatalf("expected meta printed, got %q", out)
	}
}

func TestCombineScales(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if _, err := execute(root, "combine", "a.fits", "b.fits", "--scales", "1,0.5"); err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	scales, _ := fakePipe.jobs[0].Options["scales"].([]float64)
	if len(scales) != 2 || scales[1] != 0.5 {
		t.Fatalf("unexpected scales %v", fakePipe.jobs[0].Options["scales"])
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if _, err := execute(root, "reduce"); err == nil {
		t.Fatalf("expected error for missing reduce input")
	}
	if _, err := execute(root, "flat", t.TempDir()); err == nil {
		t.Fatalf("expected error for missing flat field")
	}
	if _, err := execute(root, "watch"); err == nil {
		t.Fatalf("expected error for missing watch directory")
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobReduce}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

func TestServeUsesConfiguredAddresses(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotAddr, gotGRPC string
	root.serveFn = func(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		gotAddr, gotGRPC = addr, grpcAddr
		return nil
	}
	if _, err := execute(root, "serve", "--addr", ":18080"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != ":18080" || gotGRPC != root.cfg.Server.GRPCAddr {
		t.Fatalf("unexpected addresses %q %q", gotAddr, gotGRPC)
	}
}

func TestWatchBuildsOptions(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var got watch.Options
	root.watchFn = func(ctx context.Context, opts watch.Options, runner pipeline.Processor, store *storage.Store, log *slog.Logger) error {
		got = opts
		if runner == nil {
			t.Errorf("expected a processor")
		}
		return nil
	}
	dir := t.TempDir()
	if _, err := execute(root, "watch", dir, "--sequence", "ngc7000", "--round-size", "3", "--settle", "500ms", "--reset", "--sky", "simple"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if got.Dir != dir || got.Sequence != "ngc7000" || got.RoundSize != 3 || !got.Reset {
		t.Fatalf("unexpected options %+v", got)
	}
	if got.Settle != 500*time.Millisecond || got.Pattern != "*.fits" {
		t.Fatalf("unexpected settle/pattern %v %q", got.Settle, got.Pattern)
	}
	if got.JobOptions["sky"] != "simple" {
		t.Fatalf("sky override lost: %v", got.JobOptions)
	}

	if _, err := execute(root, "watch", dir, "--settle", "soon"); err == nil {
		t.Fatalf("expected invalid settle error")
	}
}

func TestJobsListsStoredJobs(t *testing.T) {
	root, _, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	root.store = store
	_ = store.RecordJobQueued(storage.JobRecord{ID: "reduce-1", JobType: "reduce", Status: "queued"})
	_ = store.RecordJobResult("reduce-1", "failed", nil, "no FITS frames in /tmp/x")
	_ = store.RecordOffsets("reduce-1", []storage.OffsetRecord{{Index: 0, Frame: "a.fits", Row: 2, Col: 3}})

	out, err := execute(root, "jobs")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, "reduce-1") || !strings.Contains(out, "no FITS frames") {
		t.Fatalf("unexpected listing %q", out)
	}

	out, err = execute(root, "jobs", "reduce-1")
	if err != nil {
		t.Fatalf("job detail failed: %v", err)
	}
	if !strings.Contains(out, "a.fits") {
		t.Fatalf("offsets missing from %q", out)
	}
	if _, err := execute(root, "jobs", "nope"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestConfigAndVersion(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := execute(root, "config", "show", "--yaml")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "sky_mode: simple") {
		t.Fatalf("unexpected config output %q", out)
	}
	if out, err = execute(root, "config", "validate"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("validate: %q %v", out, err)
	}
	root.cfg.Reduction.MaskFill = 0
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
	out, err = execute(root, "version")
	if err != nil || !strings.Contains(out, "deepfield") {
		t.Fatalf("version: %q %v", out, err)
	}
}

// Test helpers

func execute(root *Root, args ...string) (string, error) {
	var buf bytes.Buffer
	root.out = &buf
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *config.Config) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "deepfield.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		out:      io.Discard,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
		processor: func() pipeline.Processor {
			return pipeline.NewProcessor(logger, nil, cfg)
		},
	}
	return root, pipe, cfg
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"ok": true}}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}
