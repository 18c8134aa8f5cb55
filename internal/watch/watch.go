// Package watch turns frames arriving in a directory into accumulation
// rounds.
package watch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"deepfield/internal/fsutil"
	"deepfield/internal/logging"
	"deepfield/internal/pipeline"
	"deepfield/internal/storage"
)

// Options configure a Watcher.
type Options struct {
	Dir    string
	Output string
	// Sequence names the accumulation; rounds resume from its stored state.
	Sequence  string
	RoundSize int
	// Settle is how long a file must stay unmodified before it is used.
	Settle  time.Duration
	Pattern string
	// Reset discards the stored accumulator before the first round.
	Reset bool
	// Existing includes frames already present when watching starts.
	Existing bool
	// JobOptions are passed to every reduce job.
	JobOptions map[string]any
}

// Watcher batches settled frames into rounds and reduces each round with
// an incrementing accumulation counter.
type Watcher struct {
	opts   Options
	runner pipeline.Processor
	store  *storage.Store
	log    *slog.Logger

	round   int
	seen    map[string]bool
	pending map[string]time.Time
	queue   []string
	results chan pipeline.Result
}

// New prepares a watcher, resuming the round counter of opts.Sequence.
func New(opts Options, runner pipeline.Processor, store *storage.Store, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.RoundSize < 1 {
		opts.RoundSize = 1
	}
	if opts.Sequence == "" {
		opts.Sequence = filepath.Base(filepath.Clean(opts.Dir))
	}
	w := &Watcher{
		opts:    opts,
		runner:  runner,
		store:   store,
		log:     log.With("sequence", opts.Sequence),
		seen:    make(map[string]bool),
		pending: make(map[string]time.Time),
		results: make(chan pipeline.Result, 16),
	}

	if store != nil {
		if opts.Reset {
			if err := store.ResetAccum(opts.Sequence); err != nil {
				return nil, fmt.Errorf("reset accumulator: %w", err)
			}
		} else {
			rec, err := store.LoadAccum(opts.Sequence)
			switch {
			case err == nil:
				w.round = rec.Round
				w.log.Info("resuming accumulation", "round", rec.Round, "product", rec.ProductPath)
			case !errors.Is(err, sql.ErrNoRows):
				return nil, fmt.Errorf("load accumulator: %w", err)
			}
		}
	}
	return w, nil
}

// Round returns the last completed round.
func (w *Watcher) Round() int { return w.round }

// Results delivers the outcome of each round. Rounds are dropped when
// nobody reads.
func (w *Watcher) Results() <-chan pipeline.Result { return w.results }

// Run watches Dir until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}

	existing, err := fsutil.ListFrames(w.opts.Dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range existing {
		if w.opts.Existing {
			w.observe(p, now)
		} else {
			w.seen[p] = true
		}
	}
	w.log.Info("watching for frames", "dir", w.opts.Dir, "round_size", w.opts.RoundSize, "settle", w.opts.Settle, "existing", len(existing))

	tick := w.opts.Settle / 2
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(w.queue) > 0 || len(w.pending) > 0 {
				w.log.Info("stopping with incomplete round", "queued", len(w.queue), "settling", len(w.pending))
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.observe(ev.Name, time.Now())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// observe records activity on path.
func (w *Watcher) observe(path string, at time.Time) {
	if w.seen[path] || !fsutil.MatchFrame(w.opts.Pattern, path) {
		return
	}
	w.pending[path] = at
}

// flush queues the files that have been quiet for Settle and reduces every
// full round.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var settled []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.opts.Settle {
			settled = append(settled, p)
		}
	}
	sort.Strings(settled)
	for _, p := range settled {
		delete(w.pending, p)
		w.seen[p] = true
		w.queue = append(w.queue, p)
	}
	for len(w.queue) >= w.opts.RoundSize && ctx.Err() == nil {
		frames := w.queue[:w.opts.RoundSize]
		w.queue = w.queue[w.opts.RoundSize:]
		w.runRound(ctx, frames)
	}
}

func (w *Watcher) runRound(ctx context.Context, frames []string) {
	round := w.round + 1
	opts := map[string]any{}
	for k, v := range w.opts.JobOptions {
		opts[k] = v
	}
	opts["frames"] = append([]string(nil), frames...)
	opts["naccum"] = round
	opts["sequence"] = w.opts.Sequence

	job := pipeline.Job{
		ID:        fmt.Sprintf("%s-r%03d", w.opts.Sequence, round),
		Type:      pipeline.JobReduce,
		InputPath: w.opts.Dir,
		Output:    filepath.Join(w.opts.Output, fmt.Sprintf("round-%03d", round)),
		Options:   opts,
	}
	start := time.Now()
	logging.LogJobStart(w.log, string(job.Type), job.ID, job.InputPath, job.Output, nil)
	res := w.runner.Process(ctx, job)
	if res.Error != nil {
		logging.LogJobError(w.log, string(job.Type), job.ID, time.Since(start), res.Error, map[string]any{"frames": frames})
	} else {
		w.round = round
		product, _ := res.Meta["output"].(string)
		logging.LogRound(w.log, w.opts.Sequence, round, len(frames), product)
	}

	select {
	case w.results <- res:
	default:
	}
}
