package accum

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepfield/internal/combine"
	"deepfield/internal/fits"
	"deepfield/internal/frame"
	"deepfield/internal/raster"
	"deepfield/internal/wcs"
)

func stack(t *testing.T, name string, shape raster.Shape, v float32, crpix1 float64) Stack {
	t.Helper()
	h := fits.NewHeader()
	h.Set("UUID", name, "")
	h.Set("CRPIX1", crpix1, "")
	h.Set("CRPIX2", 5.0, "")
	h.Set("CRVAL1", 10.0, "")
	h.Set("CRVAL2", 20.0, "")
	h.Set("CDELT1", 0.001, "")
	h.Set("CDELT2", 0.001, "")
	sol, err := wcs.FromHeader(h)
	require.NoError(t, err)

	img := raster.Filled(shape, v)
	res, err := combine.Combine([]raster.Image{img}, nil, combine.Mean, nil)
	require.NoError(t, err)
	return Stack{
		Frame:    &frame.Frame{Name: name, Data: img, Header: h, WCS: sol},
		Combined: res,
	}
}

func TestStepRejectsNegativeRound(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	st, err := Step(nil, stack(t, "a", shape, 1, 5), -1, nil)
	assert.ErrorIs(t, err, ErrInvalidRound)
	assert.Nil(t, st)
}

func TestStepPassThroughAndInitialize(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	cur := stack(t, "a", shape, 3, 5)

	st, err := Step(nil, cur, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Round)
	assert.Same(t, cur.Frame, st.Stack.Frame)

	st, err = Step(nil, cur, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Round)
	assert.Same(t, cur.Frame, st.Stack.Frame)
	assert.Equal(t, cur.Frame.Data.Pix, st.Stack.Frame.Data.Pix)
}

func TestStepWithoutAccumulator(t *testing.T) {
	_, err := Step(nil, stack(t, "a", raster.Shape{Rows: 2, Cols: 2}, 1, 5), 3, nil)
	assert.ErrorIs(t, err, ErrInvalidRound)
}

func TestScalesAndWeights(t *testing.T) {
	sa, sf := Scales(2)
	assert.Equal(t, 2.0, sa)
	assert.Equal(t, 1.0, sf)
	a, f := Weights(2)
	assert.Equal(t, 0.5, a)
	assert.Equal(t, 1.0, f)
	a, f = Weights(5)
	assert.Equal(t, 2.0, a)
	assert.Equal(t, 1.0, f)
}

func TestStepRoundTwoFavorsNewFrame(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	prev := &State{Round: 1, Stack: stack(t, "acc", shape, 2, 5)}

	st, err := Step(prev, stack(t, "new", shape, 6, 5), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Round)
	assert.Equal(t, shape, st.Stack.Combined.Shape)
	// weight ratio 1:2, (2 + 2*6) / 3
	for _, v := range st.Stack.Frame.Data.Pix {
		assert.InDelta(t, 14.0/3, v, 1e-5)
	}
	for _, c := range st.Stack.Combined.Count {
		assert.Equal(t, int32(2), c)
	}
	n, ok := st.Stack.Frame.Header.Int("NACCUM")
	require.True(t, ok)
	assert.Equal(t, 2, n)

	// Round 4 weighs the accumulator 3:2 against the new frame.
	st, err = Step(st, stack(t, "late", shape, 8, 5), 4, nil)
	require.NoError(t, err)
	want := (3*(14.0/3) + 2*8) / 5
	assert.InDelta(t, want, st.Stack.Frame.Data.Pix[0], 1e-5)
}

func TestStepPartialOverlapKeepsFlux(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	prev := &State{Round: 3, Stack: stack(t, "acc", shape, 2, 5)}
	cur := stack(t, "new", shape, 8, 3)

	st, err := Step(prev, cur, 4, nil)
	require.NoError(t, err)
	got := st.Stack.Combined
	require.Equal(t, raster.Shape{Rows: 4, Cols: 6}, got.Shape)

	wantCount := []int32{1, 1, 2, 2, 1, 1}
	if diff := cmp.Diff(wantCount, got.Count[:6]); diff != "" {
		t.Fatalf("count row mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 2, got.Value[0], 1e-6)
	assert.InDelta(t, (3*2.0+2*8)/5, got.Value[2], 1e-5)
	assert.InDelta(t, 8, got.Value[5], 1e-6)
}

func TestStepRealignsShiftedFrame(t *testing.T) {
	shape := raster.Shape{Rows: 4, Cols: 4}
	prev := &State{Round: 1, Stack: stack(t, "acc", shape, 2, 5)}
	cur := stack(t, "new", shape, 6, 3)

	st, err := Step(prev, cur, 2, nil)
	require.NoError(t, err)
	got := st.Stack.Combined
	assert.Equal(t, raster.Shape{Rows: 4, Cols: 6}, got.Shape)

	wantCount := []int32{1, 1, 2, 2, 1, 1}
	if diff := cmp.Diff(wantCount, got.Count[:6]); diff != "" {
		t.Fatalf("count row mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 14.0/3, got.Value[2], 1e-5)
	assert.InDelta(t, 6, got.Value[5], 1e-6)
	assert.InDelta(t, 2, got.Value[0], 1e-6)

	crpix1, _ := st.Stack.Frame.Header.Float("CRPIX1")
	assert.Equal(t, 5.0, crpix1)
	assert.NotNil(t, st.Stack.Frame.WCS)
}
