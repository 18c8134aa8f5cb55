package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"time"

	"deepfield/internal/config"
	"deepfield/internal/pipeline"
	"deepfield/internal/server"
	"deepfield/internal/storage"
	"deepfield/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, grpcAddr, store, pipe, log)
}

type watchFunc func(ctx context.Context, opts watch.Options, runner pipeline.Processor, store *storage.Store, log *slog.Logger) error

func defaultWatch(ctx context.Context, opts watch.Options, runner pipeline.Processor, store *storage.Store, log *slog.Logger) error {
	w, err := watch.New(opts, runner, store, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	watchFn  watchFunc
	// processor runs watch rounds in order, outside the worker pool.
	processor func() pipeline.Processor
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
		processor: func() pipeline.Processor {
			return pipeline.NewProcessor(logger, store, cfg)
		},
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// run submits job, waits for it and prints its metadata.
func (r *Root) run(ctx context.Context, job pipeline.Job) error {
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return fmt.Errorf("%s %s: %w", job.Type, job.ID, err)
	}
	r.printMeta(res)
	return nil
}

func (r *Root) printMeta(res pipeline.Result) {
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(r.out, "%s %s done\n", res.Job.Type, res.Job.ID)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %-10s %v\n", k+":", res.Meta[k])
	}
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
