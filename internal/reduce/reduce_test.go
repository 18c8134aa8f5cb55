package reduce

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepfield/internal/accum"
	"deepfield/internal/combine"
	"deepfield/internal/config"
	"deepfield/internal/fits"
	"deepfield/internal/frame"
	"deepfield/internal/objmask"
	"deepfield/internal/raster"
	"deepfield/internal/sky"
)

// dithered builds a frame whose coordinates place it at (row, col) relative
// to an undithered frame of the same shape.
func dithered(name string, img raster.Image, row, col int) *frame.Frame {
	cx, cy := float64(img.Cols)/2+0.5, float64(img.Rows)/2+0.5
	h := fits.NewHeader()
	h.Set("UUID", name, "")
	h.Set("CTYPE1", "RA---TAN", "")
	h.Set("CTYPE2", "DEC--TAN", "")
	h.Set("CRPIX1", cx-float64(col), "")
	h.Set("CRPIX2", cy-float64(row), "")
	h.Set("CRVAL1", 150.1, "")
	h.Set("CRVAL2", 2.2, "")
	h.Set("CD1_1", -1e-4, "")
	h.Set("CD1_2", 0.0, "")
	h.Set("CD2_1", 0.0, "")
	h.Set("CD2_2", 1e-4, "")
	f, err := frame.FromHDUs(name, fits.ImageHDU("", h, img), nil, nil)
	if err != nil {
		panic(err)
	}
	return f
}

func memory(frames ...*frame.Frame) []frame.Source {
	out := make([]frame.Source, len(frames))
	for i, f := range frames {
		out[i] = frame.Memory{Frame: f}
	}
	return out
}

func noRefine() Options {
	o := DefaultOptions()
	o.Refine = false
	o.Sky = sky.None
	return o
}

func TestRunDitherPattern(t *testing.T) {
	shape := raster.Shape{Rows: 20, Cols: 20}
	frames := []*frame.Frame{
		dithered("a", raster.Filled(shape, 10), 0, 0),
		dithered("b", raster.Filled(shape, 10), 0, 3),
		dithered("c", raster.Filled(shape, 10), 3, 0),
		dithered("d", raster.Filled(shape, 10), 3, 3),
	}
	res, err := New(noRefine(), nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)

	c := res.Frame.Combined
	assert.Equal(t, raster.Shape{Rows: 23, Cols: 23}, c.Shape)
	assert.Equal(t, int32(4), c.Count[10*23+10])
	assert.Equal(t, int32(1), c.Count[0])
	assert.Equal(t, float32(10), c.Value[10*23+10])
	assert.Equal(t, 0, c.Missing())

	hdr := res.Frame.Frame.Header
	assert.Equal(t, "DITHERED_IMAGE", hdr.String("OBSMODE"))
	n, _ := hdr.Int("NCOMBINE")
	assert.Equal(t, 4, n)
	assert.Contains(t, hdr.History(), "Combined 4 images using 'mean'")
	assert.Contains(t, hdr.History(), "Source: c")
	assert.NotEqual(t, "a", res.Summary.ID)
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Summary.Inputs)
	assert.Equal(t, []raster.Offset{{Row: 0, Col: 0}, {Row: 0, Col: 3}, {Row: 3, Col: 0}, {Row: 3, Col: 3}}, res.Summary.Offsets)

	// The input frames are untouched.
	assert.Empty(t, frames[0].Header.History())
}

func TestRunShiftsReferencePixel(t *testing.T) {
	shape := raster.Shape{Rows: 10, Cols: 10}
	frames := []*frame.Frame{
		dithered("a", raster.Filled(shape, 1), 0, 0),
		dithered("b", raster.Filled(shape, 1), -2, -4),
	}
	res, err := New(noRefine(), nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	assert.Equal(t, raster.Offset{Row: 2, Col: 4}, res.Summary.Offsets[0])

	crpix1, _ := res.Frame.Frame.Header.Float("CRPIX1")
	crpix2, _ := res.Frame.Frame.Header.Float("CRPIX2")
	assert.InDelta(t, 5.5+4, crpix1, 1e-9)
	assert.InDelta(t, 5.5+2, crpix2, 1e-9)
}

func TestRunSimpleSky(t *testing.T) {
	shape := raster.Shape{Rows: 12, Cols: 12}
	frames := []*frame.Frame{
		dithered("a", raster.Filled(shape, 110), 0, 0),
		dithered("b", raster.Filled(shape, 120), 0, 0),
		dithered("c", raster.Filled(shape, 130), 0, 0),
	}
	opts := noRefine()
	opts.Sky = sky.Simple
	res, err := New(opts, nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Sky)
	assert.Equal(t, float32(120), res.Sky.Frame.Data.Pix[0])
	assert.InDelta(t, 0, res.Frame.Frame.Data.Pix[0], 1e-6)
	assert.Equal(t, res.Sky.ID(), res.Summary.SkyID)
	assert.Equal(t, res.Sky.ID(), res.Frame.Frame.Header.String(sky.MarkerKey))
}

func TestRunSkipsSkyWhenAlreadySubtracted(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	a := dithered("a", raster.Filled(shape, 5), 0, 0)
	a.Header.Set(sky.MarkerKey, "earlier", "")
	opts := noRefine()
	opts.Sky = sky.Simple
	res, err := New(opts, nil, nil).Run(context.Background(), memory(a, dithered("b", raster.Filled(shape, 5), 0, 0)), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Sky)
	assert.Equal(t, float32(5), res.Frame.Frame.Data.Pix[0])
}

func TestRunSkySkipsFramesAlreadySubtracted(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	b := dithered("b", raster.Filled(shape, 7), 0, 0)
	b.Header.Set(sky.MarkerKey, "earlier", "")
	opts := noRefine()
	opts.Sky = sky.Simple
	res, err := New(opts, nil, nil).Run(context.Background(), memory(
		dithered("a", raster.Filled(shape, 110), 0, 0),
		b,
		dithered("c", raster.Filled(shape, 130), 0, 0),
	), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Sky)
	assert.Equal(t, float32(110), res.Sky.Frame.Data.Pix[0])
	// a and c lose the sky, b is left as it was: (0 + 7 + 20) / 3
	assert.InDelta(t, 9, res.Frame.Frame.Data.Pix[0], 1e-5)
}

type brokenDetector struct{}

func (brokenDetector) Detect(context.Context, raster.Image) (objmask.Labels, error) {
	return objmask.Labels{}, errors.New("detector unavailable")
}

func TestRunAdvancedSkyToleratesDetectionFailure(t *testing.T) {
	shape := raster.Shape{Rows: 8, Cols: 8}
	frames := []*frame.Frame{
		dithered("a", raster.Filled(shape, 50), 0, 0),
		dithered("b", raster.Filled(shape, 70), 0, 0),
	}
	opts := noRefine()
	opts.Sky = sky.Advanced
	res, err := New(opts, brokenDetector{}, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Sky)
	assert.Equal(t, sky.Advanced, res.Sky.Mode)
	assert.Equal(t, float32(60), res.Sky.Frame.Data.Pix[0])
	assert.InDelta(t, 0, res.Frame.Frame.Data.Pix[0], 1e-6)
}

func TestRunAdvancedSkyMasksSources(t *testing.T) {
	shape := raster.Shape{Rows: 40, Cols: 40}
	rng := rand.New(rand.NewSource(5))
	mk := func(name string, level float32) *frame.Frame {
		img := raster.NewImage(shape)
		for i := range img.Pix {
			img.Pix[i] = level + float32(rng.NormFloat64())
		}
		for r := 18; r < 24; r++ {
			for c := 18; c < 24; c++ {
				img.Set(r, c, img.At(r, c)+500)
			}
		}
		return dithered(name, img, 0, 0)
	}
	opts := noRefine()
	opts.Sky = sky.Advanced
	res, err := New(opts, objmask.NewSegmenter(objmask.Params{}, nil), nil).Run(
		context.Background(), memory(mk("a", 100), mk("b", 100)), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Sky)
	// Source pixels are masked in every frame, so the sky has no data there.
	assert.Equal(t, int32(0), res.Sky.Combined.Count[20*40+20])
	assert.Greater(t, res.Sky.Combined.Missing(), 0)
}

func TestRunRefinesOffsets(t *testing.T) {
	shape := raster.Shape{Rows: 100, Cols: 100}
	rng := rand.New(rand.NewSource(11))
	type star struct{ r, c, a float64 }
	stars := make([]star, 60)
	for i := range stars {
		stars[i] = star{rng.Float64() * 100, rng.Float64() * 100, 300 + rng.Float64()*1000}
	}
	render := func(dr, dc float64) raster.Image {
		img := raster.NewImage(shape)
		for r := 0; r < shape.Rows; r++ {
			for c := 0; c < shape.Cols; c++ {
				v := 100.0
				for _, s := range stars {
					y, x := float64(r)-dr-s.r, float64(c)-dc-s.c
					if math.Abs(y) > 8 || math.Abs(x) > 8 {
						continue
					}
					v += s.a * math.Exp(-(x*x+y*y)/(2*1.5*1.5))
				}
				img.Set(r, c, float32(v))
			}
		}
		return img
	}
	frames := []*frame.Frame{
		dithered("a", render(0, 0), 0, 0),
		dithered("b", render(2, -3), 0, 0),
	}
	opts := DefaultOptions()
	opts.Sky = sky.None
	opts.RefineOpt.Box = 32
	opts.RefineOpt.MaxShift = 6
	res, err := New(opts, nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	assert.True(t, res.Summary.Refined)
	assert.Empty(t, res.Summary.RefineError)
	assert.Equal(t, raster.Offset{Row: -2, Col: 3}, res.Summary.Relative[1])
	assert.Equal(t, raster.Shape{Rows: 102, Cols: 103}, res.Summary.Canvas)
}

func TestRunRefinementFallsBack(t *testing.T) {
	shape := raster.Shape{Rows: 100, Cols: 100}
	frames := []*frame.Frame{
		dithered("a", raster.Filled(shape, 3), 0, 0),
		dithered("b", raster.Filled(shape, 3), 0, 2),
	}
	opts := DefaultOptions()
	opts.Sky = sky.None
	opts.RefineOpt.Box = 32
	res, err := New(opts, nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	assert.False(t, res.Summary.Refined)
	assert.NotEmpty(t, res.Summary.RefineError)
	assert.Equal(t, raster.Offset{Row: 0, Col: 2}, res.Summary.Relative[1])
}

func TestRunInvalidRound(t *testing.T) {
	opts := noRefine()
	opts.NAccum = -1
	opened := false
	src := frame.Source(openSpy{opened: &opened})
	_, err := New(opts, nil, nil).Run(context.Background(), []frame.Source{src}, nil)
	assert.ErrorIs(t, err, accum.ErrInvalidRound)
	assert.False(t, opened)
}

type openSpy struct{ opened *bool }

func (s openSpy) Label() string { return "spy" }
func (s openSpy) Open() (*frame.Handle, error) {
	*s.opened = true
	return nil, errors.New("should not open")
}

func TestRunOpenFailure(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	opened := false
	_, err := New(noRefine(), nil, nil).Run(context.Background(),
		append(memory(dithered("a", raster.Filled(shape, 1), 0, 0)), openSpy{opened: &opened}), nil)
	require.Error(t, err)
	assert.True(t, opened)
}

func TestRunAccumulates(t *testing.T) {
	shape := raster.Shape{Rows: 6, Cols: 6}
	opts := noRefine()
	opts.NAccum = 1
	first, err := New(opts, nil, nil).Run(context.Background(), memory(dithered("a", raster.Filled(shape, 2), 0, 0)), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accum.Round)

	opts.NAccum = 2
	second, err := New(opts, nil, nil).Run(context.Background(), memory(dithered("b", raster.Filled(shape, 6), 0, 0)), first.Accum)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Summary.NAccum)
	// the new frame carries twice the weight of the first round
	assert.InDelta(t, 14.0/3, second.Final().Frame.Data.Pix[0], 1e-5)
	assert.InDelta(t, 6, second.Frame.Frame.Data.Pix[0], 1e-6)

	names := []string{}
	for _, p := range second.Products() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"result", "frame"}, names)
}

func TestSerializeToDirectory(t *testing.T) {
	shape := raster.Shape{Rows: 6, Cols: 6}
	opts := noRefine()
	opts.Sky = sky.Simple
	res, err := New(opts, nil, nil).Run(context.Background(), memory(
		dithered("a", raster.Filled(shape, 2), 0, 0),
		dithered("b", raster.Filled(shape, 4), 0, 1),
	), nil)
	require.NoError(t, err)

	target := &DirTarget{Dir: filepath.Join(t.TempDir(), "out")}
	require.NoError(t, res.Serialize(target))
	assert.Len(t, target.Written, 3)

	ff, err := fits.Open(target.Path("result"))
	require.NoError(t, err)
	defer ff.Close()
	assert.Equal(t, 3, ff.Len())
	assert.True(t, ff.Has("VARIANCE"))
	mp, err := ff.ReadNamed("MAP")
	require.NoError(t, err)
	assert.Equal(t, 32, mp.Bitpix)
	assert.Equal(t, raster.Shape{Rows: 6, Cols: 7}, mp.Shape)

	_, err = os.Stat(target.Path("sky"))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(target.Dir, "summary.json"))
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.Equal(t, res.Summary.ID, sum.ID)
	assert.Equal(t, "simple", sum.SkyMode)
}

func TestSerializeWithoutErrorPlanes(t *testing.T) {
	shape := raster.Shape{Rows: 3, Cols: 3}
	opts := noRefine()
	opts.Errors = false
	res, err := New(opts, nil, nil).Run(context.Background(), memory(dithered("a", raster.Filled(shape, 1), 0, 0)), nil)
	require.NoError(t, err)
	products := res.Products()
	require.Len(t, products, 1)
	assert.Len(t, products[0].HDUs, 1)
}

func TestEndToEndLargeDither(t *testing.T) {
	if testing.Short() {
		t.Skip("large frames")
	}
	shape := raster.Shape{Rows: 2048, Cols: 2048}
	pattern := []raster.Offset{{Row: 0, Col: 0}, {Row: 0, Col: 10}, {Row: 10, Col: 0}, {Row: 10, Col: 10}}
	frames := make([]*frame.Frame, len(pattern))
	for i, p := range pattern {
		frames[i] = dithered(string(rune('a'+i)), raster.Filled(shape, 100), p.Row, p.Col)
	}
	res, err := New(noRefine(), nil, nil).Run(context.Background(), memory(frames...), nil)
	require.NoError(t, err)
	c := res.Frame.Combined
	require.Equal(t, raster.Shape{Rows: 2058, Cols: 2058}, c.Shape)
	for row := 10; row < 2048; row += 97 {
		for col := 10; col < 2048; col += 97 {
			require.Equal(t, int32(4), c.Count[row*c.Cols+col], "pixel (%d, %d)", row, col)
		}
	}
	assert.Equal(t, int32(1), c.Count[0])
	assert.Equal(t, combine.Mean.String(), res.Summary.Method)
}

func TestToolsOverFiles(t *testing.T) {
	dir := t.TempDir()
	shape := raster.Shape{Rows: 5, Cols: 5}
	var paths []string
	for i, v := range []float32{1, 3} {
		f := dithered(string(rune('a'+i)), raster.Filled(shape, v), 0, i)
		p := filepath.Join(dir, f.Name+".fits")
		require.NoError(t, fits.WriteFile(p, []*fits.HDU{fits.ImageHDU("", f.Header, f.Data)}))
		paths = append(paths, p)
	}
	sources := frame.Files(paths)

	prod, err := CombineSources(sources, combine.Mean, true, nil, nil)
	require.NoError(t, err)
	require.Len(t, prod.HDUs, 3)
	assert.Equal(t, 2.0, prod.HDUs[0].Data[0])

	res, names, err := ResolveSources(sources, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, raster.Shape{Rows: 5, Cols: 6}, res.Canvas)

	skyProd, id, err := SkySources(sources, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "sky", skyProd.Name)
}

type failingTarget struct{ on string }

func (f failingTarget) PutImage(name string, _ []*fits.HDU) error {
	if name == f.on {
		return errors.New("disk full")
	}
	return nil
}

func (failingTarget) PutRecord(string, any) error { return nil }

func TestSerializeLeavesNothingOnFailure(t *testing.T) {
	shape := raster.Shape{Rows: 6, Cols: 6}
	opts := noRefine()
	opts.Sky = sky.Simple
	res, err := New(opts, nil, nil).Run(context.Background(), memory(
		dithered("a", raster.Filled(shape, 2), 0, 0),
		dithered("b", raster.Filled(shape, 4), 0, 0),
	), nil)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out")
	dir := &DirTarget{Dir: out}
	err = res.Serialize(MultiTarget{dir, failingTarget{on: "sky"}})
	require.Error(t, err)
	assert.Empty(t, dir.Written)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "result.fits or staging files left behind")

	require.NoError(t, res.Serialize(dir))
	_, err = os.Stat(dir.Path("result"))
	assert.NoError(t, err)
}

func TestLoadStateRoundTrip(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	opts := noRefine()
	opts.NAccum = 1
	first, err := New(opts, nil, nil).Run(context.Background(), memory(dithered("a", raster.Filled(shape, 2), 0, 0)), nil)
	require.NoError(t, err)

	dir := &DirTarget{Dir: t.TempDir()}
	require.NoError(t, first.Serialize(dir))
	prev, err := LoadState(dir.Path("result"))
	require.NoError(t, err)
	assert.Equal(t, 1, prev.Round)
	assert.Equal(t, shape, prev.Stack.Combined.Shape)
	assert.Equal(t, int32(1), prev.Stack.Combined.Count[0])

	opts.NAccum = 2
	second, err := New(opts, nil, nil).Run(context.Background(), memory(dithered("b", raster.Filled(shape, 6), 0, 0)), prev)
	require.NoError(t, err)
	require.NoError(t, second.Serialize(dir))

	again, err := LoadState(dir.Path("result"))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Round)
	assert.InDelta(t, 14.0/3, again.Stack.Frame.Data.At(1, 1), 1e-5)
}

func TestDefaultsSubtractSimpleSky(t *testing.T) {
	assert.Equal(t, sky.Simple, DefaultOptions().Sky)
	opts, err := FromConfig(config.Default().Reduction)
	require.NoError(t, err)
	assert.Equal(t, sky.Simple, opts.Sky)
}

func TestFromConfig(t *testing.T) {
	c := config.Default().Reduction
	c.Method = "median"
	c.SkyMode = "advanced"
	opts, err := FromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, combine.Median, opts.Method)
	assert.Equal(t, sky.Advanced, opts.Sky)
	assert.Equal(t, float32(1), opts.ImageFill)
	assert.Equal(t, 64, opts.RefineOpt.Box)

	c.Method = "sum"
	_, err = FromConfig(c)
	assert.Error(t, err)
}
