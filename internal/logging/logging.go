// Package logging builds the process logger and the structured helpers the
// pipeline uses for job and reduction-step records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deepfield/internal/config"
)

// currentLog is the stable name pointing at today's log file.
const currentLog = "deepfield-current.log"

// Setup builds the logger described by cfg.Logging and installs it as the
// slog default. Output goes to stdout and, with file_output, to a dated file
// in log_dir.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	w := io.Writer(os.Stdout)
	if cfg.Logging.FileOutput {
		file, err := openDaily(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stdout, file)
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("deepfield logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDaily opens deepfield-<date>.log for appending and repoints the
// current-log symlink at it. A failed symlink is not an error.
func openDaily(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("deepfield-%s.log", day.Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	link := filepath.Join(dir, currentLog)
	os.Remove(link)
	_ = os.Symlink(name, link)
	return file, nil
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes to w without timestamps.
func NewTraditionalHandler(w io.Writer, level string) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", 0), level: parseLevel(level)}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	pairs := append([]string{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		pairs = append(pairs, h.pair(a))
		return true
	})
	msg := r.Message
	if len(pairs) > 0 {
		msg += " [" + strings.Join(pairs, " ") + "]"
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append([]string{}, h.attrs...)
	for _, a := range attrs {
		out.attrs = append(out.attrs, h.pair(a))
	}
	return &out
}

// WithGroup qualifies later keys as group.key.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.group = h.group + name + "."
	return &out
}

func (h *TraditionalHandler) pair(a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", h.group, a.Key, a.Value)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart records a job leaving the queue.
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete records a successful job with its result metadata.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, meta map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"result", meta,
	)
}

// LogJobError records a failed job.
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, details map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"details", details,
	)
}

// LogRound records one finished accumulation round.
func LogRound(logger *slog.Logger, sequence string, round int, frames int, product string) {
	logger.Info("accumulation round complete",
		"sequence", sequence,
		"round", round,
		"frames", frames,
		"product", product,
	)
}

// LogProcessingStep records a reduction step (offsets, resize, sky, refine,
// combine, accumulate) of a job.
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}
