package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deepfield/internal/config"
	"deepfield/internal/pipeline"
	"deepfield/internal/storage"
	"deepfield/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deepfield",
		Short: "deepfield reduces dithered astronomical exposures into deep images",
		Long: `deepfield aligns dithered FITS frames by their world coordinates, optionally
subtracts the sky, refines the alignment by cross-correlation and combines the
frames into one image with variance and exposure-count planes. Repeated rounds
can be accumulated into a running deep stack.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newReduceCmd(root))
	rootCmd.AddCommand(newCombineCmd(root))
	rootCmd.AddCommand(newOffsetsCmd(root))
	rootCmd.AddCommand(newSkyCmd(root))
	rootCmd.AddCommand(newFlatCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// inputJob fills the input of job from args: one directory or file is the
// input path, several arguments become an explicit frame list.
func inputJob(job pipeline.Job, args []string) pipeline.Job {
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	if len(args) == 1 {
		job.InputPath = args[0]
	} else {
		job.InputPath = filepath.Dir(args[0])
		job.Options["frames"] = args
	}
	job.Options["source"] = "cli"
	return job
}

func (r *Root) outputFor(output, id string) string {
	if output != "" {
		return output
	}
	return filepath.Join(r.cfg.Paths.DefaultOutput, id)
}

func newReduceCmd(root *Root) *cobra.Command {
	var (
		output   string
		method   string
		skyMode  string
		refIndex int
		naccum   int
		accum    string
		sequence string
		noRefine bool
		noErrors bool
		preview  bool
	)

	cmd := &cobra.Command{
		Use:   "reduce <frames_dir | frame.fits...>",
		Short: "Reduce dithered frames into a combined image",
		Long: `Place every frame on a common canvas using its WCS, optionally subtract the
sky, refine the offsets by cross-correlation and combine the frames.

Examples:
  deepfield reduce /data/night1/ --sky advanced --output /out/night1
  deepfield reduce a.fits b.fits c.fits --method median --no-refine
  deepfield reduce /data/round2/ --naccum 2 --sequence m31`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := newID("reduce")
			opts := map[string]any{
				"noRefine": noRefine,
			}
			if method != "" {
				opts["method"] = method
			}
			if skyMode != "" {
				opts["sky"] = skyMode
			}
			if cmd.Flags().Changed("ref") {
				opts["refIndex"] = refIndex
			}
			if naccum != 0 {
				opts["naccum"] = naccum
			}
			if accum != "" {
				opts["accum"] = accum
			}
			if sequence != "" {
				opts["sequence"] = sequence
			}
			if noErrors {
				opts["errors"] = false
			}
			if cmd.Flags().Changed("preview") {
				opts["preview"] = preview
			}
			job := inputJob(pipeline.Job{ID: id, Type: pipeline.JobReduce, Output: root.outputFor(output, id), Options: opts}, args)
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&method, "method", "", "combination method (mean|median)")
	cmd.Flags().StringVar(&skyMode, "sky", "", "sky subtraction (none|simple|advanced)")
	cmd.Flags().IntVar(&refIndex, "ref", 0, "index of the reference frame")
	cmd.Flags().IntVar(&naccum, "naccum", 0, "accumulation round (0 disables accumulation)")
	cmd.Flags().StringVar(&accum, "accum", "", "previous accumulator product for rounds > 1")
	cmd.Flags().StringVar(&sequence, "sequence", "", "accumulation sequence name stored in the database")
	cmd.Flags().BoolVar(&noRefine, "no-refine", false, "skip cross-correlation refinement")
	cmd.Flags().BoolVar(&noErrors, "no-errors", false, "omit VARIANCE and MAP planes")
	cmd.Flags().BoolVar(&preview, "preview", false, "write a PNG preview next to the result")

	return cmd
}

func newCombineCmd(root *Root) *cobra.Command {
	var (
		output string
		method string
		masks  bool
		scales []float64
	)

	cmd := &cobra.Command{
		Use:   "combine <frames_dir | frame.fits...>",
		Short: "Combine equally shaped frames without alignment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := newID("combine")
			opts := map[string]any{
				"method": method,
				"masks":  masks,
			}
			if len(scales) > 0 {
				opts["scales"] = scales
			}
			job := inputJob(pipeline.Job{ID: id, Type: pipeline.JobCombine, Output: root.outputFor(output, id), Options: opts}, args)
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&method, "method", "mean", "combination method (mean|median)")
	cmd.Flags().BoolVar(&masks, "masks", false, "honor NUM and BPM planes")
	cmd.Flags().Float64SliceVar(&scales, "scales", nil, "per-frame multiplicative scales")

	return cmd
}

func newOffsetsCmd(root *Root) *cobra.Command {
	var (
		output   string
		refIndex int
	)

	cmd := &cobra.Command{
		Use:   "offsets <frames_dir | frame.fits...>",
		Short: "Compute canvas offsets from frame coordinates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := inputJob(pipeline.Job{ID: newID("offsets"), Type: pipeline.JobOffsets, Output: output, Options: map[string]any{
				"refIndex": refIndex,
			}}, args)
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for offsets.json (optional)")
	cmd.Flags().IntVar(&refIndex, "ref", 0, "index of the reference frame")

	return cmd
}

func newSkyCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sky <frames_dir | frame.fits...>",
		Short: "Estimate the sky as the median of the frames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := newID("sky")
			job := inputJob(pipeline.Job{ID: id, Type: pipeline.JobSky, Output: root.outputFor(output, id)}, args)
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	return cmd
}

func newFlatCmd(root *Root) *cobra.Command {
	var (
		output string
		flat   string
	)

	cmd := &cobra.Command{
		Use:   "flat <frames_dir | frame.fits...> --flat FLAT.fits",
		Short: "Divide frames by a flat field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := newID("flat")
			job := inputJob(pipeline.Job{ID: id, Type: pipeline.JobFlat, Output: root.outputFor(output, id), Options: map[string]any{
				"flat": flat,
			}}, args)
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVar(&flat, "flat", "", "flat field frame")
	_ = cmd.MarkFlagRequired("flat")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List recent jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return root.showJob(args[0])
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%-40s %-8s %-10s %s", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format(time.RFC3339))
				if rec.Error != "" {
					line += "  " + rec.Error
				}
				fmt.Fprintln(root.out, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func (r *Root) showJob(id string) error {
	rec, err := r.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s %s %s\n", rec.ID, rec.JobType, rec.Status)
	if rec.Error != "" {
		fmt.Fprintf(r.out, "  error: %s\n", rec.Error)
	}
	offs, err := r.store.Offsets(id)
	if err == nil {
		for _, o := range offs {
			fmt.Fprintf(r.out, "  %3d %-30s row %5d col %5d\n", o.Index, o.Frame, o.Row, o.Col)
		}
	}
	products, err := r.store.Products(id)
	if err == nil && len(products) > 0 {
		fmt.Fprintf(r.out, "  products: %v\n", products)
	}
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job API server",
		Long: `Start an HTTP server for submitting and monitoring reduction jobs, with a
server-sent event stream, a websocket feed and a gRPC health service.

Examples:
  deepfield serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("server ready",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"endpoints", []string{"/healthz", "/jobs", "/jobs/{id}", "/reductions/{id}", "/stream", "/ws"},
			)
			return root.serveFn(ctx, addr, grpcAddr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address (empty disables)")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output    string
		sequence  string
		roundSize int
		settle    string
		pattern   string
		reset     bool
		existing  bool
		skyMode   string
		method    string
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Reduce arriving frames in rounds and accumulate them",
		Long: `Watch a directory for new FITS frames. Every round_size settled frames are
reduced as one round and merged into the running accumulation of the sequence.
The round counter is stored in the database so watching can resume.

Examples:
  deepfield watch /data/incoming --sequence m31 --round-size 4
  deepfield watch /data/incoming --sequence m31 --reset`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(settle)
			if err != nil {
				return fmt.Errorf("invalid settle duration %q: %w", settle, err)
			}
			jobOpts := map[string]any{}
			if skyMode != "" {
				jobOpts["sky"] = skyMode
			}
			if method != "" {
				jobOpts["method"] = method
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "watch")
			}
			opts := watch.Options{
				Dir:        args[0],
				Output:     output,
				Sequence:   sequence,
				RoundSize:  roundSize,
				Settle:     d,
				Pattern:    pattern,
				Reset:      reset,
				Existing:   existing,
				JobOptions: jobOpts,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.watchFn(ctx, opts, root.processor(), root.store, root.log)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for round products")
	cmd.Flags().StringVar(&sequence, "sequence", "", "accumulation sequence name (default: directory name)")
	cmd.Flags().IntVar(&roundSize, "round-size", root.cfg.Watch.RoundSize, "frames per round")
	cmd.Flags().StringVar(&settle, "settle", root.cfg.Watch.Settle, "time a file must stay unchanged")
	cmd.Flags().StringVar(&pattern, "pattern", root.cfg.Watch.Pattern, "glob for frame names")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the stored accumulator and start at round 1")
	cmd.Flags().BoolVar(&existing, "existing", false, "include frames already in the directory")
	cmd.Flags().StringVar(&skyMode, "sky", "", "sky subtraction override")
	cmd.Flags().StringVar(&method, "method", "", "combination method override")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate deepfield configuration",
	}

	var asYAML bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(asYAML)
		},
	}
	showCmd.Flags().BoolVar(&asYAML, "yaml", false, "render as YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
