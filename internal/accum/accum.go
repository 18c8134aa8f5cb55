// Package accum keeps a running weighted combination across repeated
// observation rounds.
package accum

import (
	"errors"
	"fmt"
	"log/slog"

	"deepfield/internal/combine"
	"deepfield/internal/fits"
	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/offsets"
	"deepfield/internal/raster"
	"deepfield/internal/wcs"
)

// ErrInvalidRound is a configuration error: the round counter is negative,
// or a later round arrived without an accumulator to merge into.
var ErrInvalidRound = errors.New("invalid accumulation round")

// Stack is a combined image together with its variance and count planes.
type Stack struct {
	Frame    *frame.Frame
	Combined combine.Result
}

// HDUs returns the stack in product layout.
func (s Stack) HDUs() []*fits.HDU {
	return []*fits.HDU{
		fits.ImageHDU("", s.Frame.Header, s.Frame.Data),
		fits.ImageHDU("VARIANCE", nil, s.Combined.VarianceImage()),
		fits.CountHDU("MAP", s.Combined.Shape, s.Combined.Count),
	}
}

// State is the accumulator after a round. Round 0 means accumulation is
// disabled and Stack is the unchanged input.
type State struct {
	Round int
	Stack Stack
}

// Scales returns the reciprocal scale factors of the accumulator and of the
// new frame at round n > 1. Round 2 gives [2, 1]: the new frame counts twice
// as much as the first round. Later rounds shift weight toward the history
// while the newest frame keeps a fixed share.
func Scales(n int) (float64, float64) {
	return 2 / float64(n-1), 1
}

// Weights are the reciprocals of Scales, the factors of the weighted mean.
func Weights(n int) (float64, float64) {
	sa, sf := Scales(n)
	return 1 / sa, 1 / sf
}

// Step advances the accumulator with current as round naccum. prev may be
// nil for rounds 0 and 1.
func Step(prev *State, current Stack, naccum int, log *slog.Logger) (*State, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case naccum < 0:
		return nil, fmt.Errorf("%w: naccum %d", ErrInvalidRound, naccum)
	case naccum == 0:
		return &State{Round: 0, Stack: current}, nil
	case naccum == 1:
		log.Info("initialize accumulator")
		return &State{Round: 1, Stack: current}, nil
	}
	if prev == nil || prev.Stack.Frame == nil {
		return nil, fmt.Errorf("%w: round %d without an accumulator", ErrInvalidRound, naccum)
	}

	log.Info("accumulating", "round", naccum)
	merged, err := merge(prev.Stack, current, naccum, log)
	if err != nil {
		return nil, fmt.Errorf("accumulate round %d: %w", naccum, err)
	}
	return &State{Round: naccum, Stack: merged}, nil
}

// merge re-resolves the offsets between accumulator and new stack from
// their coordinates and combines them with the weighted mean. Pixels
// covered by only one of them keep that value.
func merge(acc, cur Stack, naccum int, log *slog.Logger) (Stack, error) {
	items := []offsets.Positioned{acc.Frame, cur.Frame}
	res, err := offsets.FromWCS(items, offsets.Options{RefIndex: 0})
	if err != nil {
		return Stack{}, fmt.Errorf("offsets: %w", err)
	}
	log.Debug("accumulation offsets", "canvas", res.Canvas, "offsets", res.Offsets)

	images, regions, err := raster.Resize([]raster.Image{acc.Frame.Data, cur.Frame.Data}, res.Offsets, res.Canvas, 0)
	if err != nil {
		return Stack{}, err
	}
	masks, err := raster.ResizeMasks([]raster.Mask{acc.Combined.CoverageMask(), cur.Combined.CoverageMask()}, regions, res.Canvas)
	if err != nil {
		return Stack{}, err
	}
	wAcc, wFrame := Weights(naccum)
	out, err := combine.Weighted(images, masks, []float64{wAcc, wFrame})
	if err != nil {
		return Stack{}, err
	}

	ref := res.Offsets[1]
	f := cur.Frame.WithHeader(func(h *fits.Header) {
		h.Set("NACCUM", naccum, "accumulation round")
		sa, sf := Scales(naccum)
		h.AddHistory(fmt.Sprintf("Accumulated round %d with scales %g, %g", naccum, sa, sf))
		h.AddHistory(fmt.Sprintf("Accumulation time %s", flow.Stamp()))
		h.AddHistory(fmt.Sprintf("Accumulator: %s", acc.Frame.ID()))
		wcs.ShiftHeader(h, float64(ref.Col), float64(ref.Row))
	})
	f.Data = out.ValueImage()
	f.Num = nil
	f.BPM = nil
	if sol, err := wcs.FromHeader(f.Header); err == nil {
		f.WCS = sol
	}
	return Stack{Frame: f, Combined: out}, nil
}
