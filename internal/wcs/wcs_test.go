package wcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepfield/internal/fits"
)

func tanHeader(crpix1, crpix2 float64) *fits.Header {
	h := fits.NewHeader()
	h.Set("CTYPE1", "RA---TAN", "")
	h.Set("CTYPE2", "DEC--TAN", "")
	h.Set("CRPIX1", crpix1, "")
	h.Set("CRPIX2", crpix2, "")
	h.Set("CRVAL1", 150.0, "")
	h.Set("CRVAL2", 2.0, "")
	h.Set("CD1_1", -5.5e-5, "")
	h.Set("CD1_2", 0.0, "")
	h.Set("CD2_1", 0.0, "")
	h.Set("CD2_2", 5.5e-5, "")
	return h
}

func TestGnomonicRoundTrip(t *testing.T) {
	s, err := FromHeader(tanHeader(1024.5, 1024.5))
	require.NoError(t, err)
	assert.Equal(t, Gnomonic, s.Projection)

	for _, p := range [][2]float64{{1, 1}, {1024.5, 1024.5}, {2048, 17}, {333.3, 1900.1}} {
		a, b, err := s.PixelToWorld(p[0], p[1])
		require.NoError(t, err)
		x, y, err := s.WorldToPixel(a, b)
		require.NoError(t, err)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}
}

func TestReferencePixelMapsToReferenceValue(t *testing.T) {
	s, err := FromHeader(tanHeader(100, 200))
	require.NoError(t, err)
	a, b, err := s.PixelToWorld(100, 200)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, a, 1e-12)
	assert.InDelta(t, 2.0, b, 1e-12)
}

func TestLinearFromCDELTAndRotation(t *testing.T) {
	h := fits.NewHeader()
	h.Set("CRPIX1", 10.0, "")
	h.Set("CRPIX2", 20.0, "")
	h.Set("CRVAL1", 0.0, "")
	h.Set("CRVAL2", 0.0, "")
	h.Set("CDELT1", 2.0, "")
	h.Set("CDELT2", 2.0, "")
	h.Set("CROTA2", 0.0, "")
	s, err := FromHeader(h)
	require.NoError(t, err)
	assert.Equal(t, Linear, s.Projection)

	a, b, err := s.PixelToWorld(11, 23)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, a, 1e-12)
	assert.InDelta(t, 6.0, b, 1e-12)
}

func TestFromHeaderErrors(t *testing.T) {
	_, err := FromHeader(fits.NewHeader())
	assert.Error(t, err)

	h := tanHeader(1, 1)
	h.Set("CD1_1", 0.0, "")
	h.Set("CD2_2", 0.0, "")
	_, err = FromHeader(h)
	assert.Error(t, err)
}

func TestShifted(t *testing.T) {
	s, err := FromHeader(tanHeader(100, 100))
	require.NoError(t, err)
	moved := s.Shifted(5, -3)
	assert.Equal(t, [2]float64{105, 97}, moved.CRPix)
	assert.Equal(t, [2]float64{100, 100}, s.CRPix)
}

func TestShiftHeader(t *testing.T) {
	h := tanHeader(100, 100)
	require.True(t, ShiftHeader(h, 10, 4))
	s, err := FromHeader(h)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{110, 104}, s.CRPix)

	assert.False(t, ShiftHeader(fits.NewHeader(), 1, 1))
}
