package frame

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepfield/internal/fits"
	"deepfield/internal/raster"
)

func testFrame(shape raster.Shape) *Frame {
	h := fits.NewHeader()
	h.Set("OBJECT", "field", "")
	return &Frame{Name: "f", Data: raster.Filled(shape, 1), Header: h}
}

func TestMaskPrefersNUM(t *testing.T) {
	shape := raster.Shape{Rows: 2, Cols: 2}
	f := testFrame(shape)

	m, src := f.Mask()
	assert.Equal(t, MaskAllValid, src)
	assert.Equal(t, 0, m.Count())

	bpm := raster.NewMask(shape)
	bpm.Pix[1] = true
	f.BPM = &bpm
	m, src = f.Mask()
	assert.Equal(t, MaskFromBPM, src)
	assert.Equal(t, []bool{false, true, false, false}, m.Pix)

	num := raster.Image{Shape: shape, Pix: []float32{0, 3, 3, 0}}
	f.Num = &num
	m, src = f.Mask()
	assert.Equal(t, MaskFromNUM, src)
	assert.Equal(t, []bool{true, false, false, true}, m.Pix)
}

func TestWithDataLeavesOriginalUntouched(t *testing.T) {
	shape := raster.Shape{Rows: 1, Cols: 3}
	f := testFrame(shape)
	g := f.WithData(raster.Filled(shape, 7), "scaled")

	assert.Equal(t, float32(1), f.Data.Pix[0])
	assert.Empty(t, f.Header.History())
	assert.Equal(t, float32(7), g.Data.Pix[0])
	assert.Equal(t, []string{"scaled"}, g.Header.History())

	h := g.WithHeader(func(h *fits.Header) { h.Set("OBJECT", "other", "") })
	assert.Equal(t, "field", g.Header.String("OBJECT"))
	assert.Equal(t, "other", h.Header.String("OBJECT"))
}

func TestIDFallsBackToName(t *testing.T) {
	f := testFrame(raster.Shape{Rows: 1, Cols: 1})
	assert.Equal(t, "f", f.ID())
	f.Header.Set("UUID", "abc", "")
	assert.Equal(t, "abc", f.ID())
}

type countingSource struct {
	name   string
	fail   bool
	closed *int
}

type closeFunc func() error

func (c closeFunc) Close() error { return c() }

func (s countingSource) Label() string { return s.name }

func (s countingSource) Open() (*Handle, error) {
	if s.fail {
		return nil, errors.New("boom")
	}
	f := testFrame(raster.Shape{Rows: 1, Cols: 1})
	return &Handle{Frame: f, closer: closeFunc(func() error { *s.closed++; return nil })}, nil
}

func TestOpenAllClosesOnFailure(t *testing.T) {
	closed := 0
	sources := []Source{
		countingSource{name: "a", closed: &closed},
		countingSource{name: "b", closed: &closed},
		countingSource{name: "c", fail: true, closed: &closed},
	}
	set, err := OpenAll(sources)
	require.Error(t, err)
	assert.Nil(t, set)
	assert.Contains(t, err.Error(), "open c")
	assert.Equal(t, 2, closed)
}

func TestSetCloseIsIdempotent(t *testing.T) {
	closed := 0
	set, err := OpenAll([]Source{countingSource{name: "a", closed: &closed}})
	require.NoError(t, err)
	require.Len(t, set.Frames(), 1)
	require.NoError(t, set.Close())
	require.NoError(t, set.Close())
	assert.Equal(t, 1, closed)
}

func TestFileSourceReadsExtensions(t *testing.T) {
	shape := raster.Shape{Rows: 3, Cols: 4}
	hdr := fits.NewHeader()
	hdr.Set("CTYPE1", "RA---TAN", "")
	hdr.Set("CTYPE2", "DEC--TAN", "")
	hdr.Set("CRPIX1", 2.0, "")
	hdr.Set("CRPIX2", 2.0, "")
	hdr.Set("CRVAL1", 10.0, "")
	hdr.Set("CRVAL2", 20.0, "")
	hdr.Set("CD1_1", -1e-4, "")
	hdr.Set("CD1_2", 0.0, "")
	hdr.Set("CD2_1", 0.0, "")
	hdr.Set("CD2_2", 1e-4, "")

	num := raster.Filled(shape, 2)
	num.Set(0, 0, 0)
	path := filepath.Join(t.TempDir(), "frame-001.fits")
	require.NoError(t, fits.WriteFile(path, []*fits.HDU{
		fits.ImageHDU("", hdr, raster.Filled(shape, 5)),
		fits.ImageHDU("NUM", fits.NewHeader(), num),
	}))

	h, err := File{Path: path}.Open()
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "frame-001", h.Name)
	assert.Equal(t, shape, h.Shape())
	assert.NotNil(t, h.Transform())
	require.NotNil(t, h.Num)
	assert.Nil(t, h.BPM)
	m, src := h.Mask()
	assert.Equal(t, MaskFromNUM, src)
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.At(0, 0))
}

func TestFromHDUsRejectsMismatchedPlanes(t *testing.T) {
	primary := fits.ImageHDU("", nil, raster.NewImage(raster.Shape{Rows: 2, Cols: 2}))
	bpm := fits.ImageHDU("BPM", nil, raster.NewImage(raster.Shape{Rows: 3, Cols: 2}))
	_, err := FromHDUs("x", primary, nil, bpm)
	assert.Error(t, err)
}
