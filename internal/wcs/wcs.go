// Package wcs converts between pixel and world coordinates using the
// linear and gnomonic (TAN) world coordinate systems stored in headers.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"deepfield/internal/fits"
)

const deg = math.Pi / 180

// Transform maps 1-based FITS pixel coordinates to world coordinates in
// degrees and back.
type Transform interface {
	PixelToWorld(x, y float64) (float64, float64, error)
	WorldToPixel(a, b float64) (float64, float64, error)
}

// Projection selects how intermediate coordinates map to the sky.
type Projection int

const (
	Linear Projection = iota
	Gnomonic
)

// Solution is a CD-matrix world coordinate system.
type Solution struct {
	Projection Projection
	CRPix      [2]float64
	CRVal      [2]float64
	cd         *mat.Dense
	cdInv      *mat.Dense
}

// New builds a Solution from reference pixel, reference value and CD matrix
// in row-major order.
func New(proj Projection, crpix, crval [2]float64, cd [4]float64) (*Solution, error) {
	m := mat.NewDense(2, 2, cd[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("singular CD matrix: %w", err)
	}
	return &Solution{Projection: proj, CRPix: crpix, CRVal: crval, cd: m, cdInv: &inv}, nil
}

// FromHeader reads CRPIXn, CRVALn, CTYPEn and either CDi_j, PCi_j with
// CDELTn, or CDELTn with CROTA2.
func FromHeader(h *fits.Header) (*Solution, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	crpix1, ok1 := h.Float("CRPIX1")
	crpix2, ok2 := h.Float("CRPIX2")
	if !ok1 || !ok2 {
		return nil, errors.New("missing CRPIX1/CRPIX2")
	}
	crval1, _ := h.Float("CRVAL1")
	crval2, _ := h.Float("CRVAL2")

	var cd [4]float64
	if _, ok := h.Get("CD1_1"); ok {
		for i, key := range []string{"CD1_1", "CD1_2", "CD2_1", "CD2_2"} {
			cd[i], _ = h.Float(key)
		}
	} else {
		cdelt1, ok1 := h.Float("CDELT1")
		cdelt2, ok2 := h.Float("CDELT2")
		if !ok1 || !ok2 {
			return nil, errors.New("missing CD matrix and CDELT1/CDELT2")
		}
		pc := [4]float64{1, 0, 0, 1}
		if _, ok := h.Get("PC1_1"); ok {
			for i, key := range []string{"PC1_1", "PC1_2", "PC2_1", "PC2_2"} {
				if v, ok := h.Float(key); ok {
					pc[i] = v
				}
			}
		} else if rot, ok := h.Float("CROTA2"); ok {
			c, s := math.Cos(rot*deg), math.Sin(rot*deg)
			pc = [4]float64{c, -s * cdelt2 / cdelt1, s * cdelt1 / cdelt2, c}
		}
		cd = [4]float64{cdelt1 * pc[0], cdelt1 * pc[1], cdelt2 * pc[2], cdelt2 * pc[3]}
	}

	proj := Linear
	if strings.HasSuffix(strings.TrimSpace(h.String("CTYPE1")), "-TAN") {
		proj = Gnomonic
	}
	return New(proj, [2]float64{crpix1, crpix2}, [2]float64{crval1, crval2}, cd)
}

// PixelToWorld implements Transform.
func (s *Solution) PixelToWorld(x, y float64) (float64, float64, error) {
	dx, dy := x-s.CRPix[0], y-s.CRPix[1]
	xi := s.cd.At(0, 0)*dx + s.cd.At(0, 1)*dy
	eta := s.cd.At(1, 0)*dx + s.cd.At(1, 1)*dy
	if s.Projection == Linear {
		return s.CRVal[0] + xi, s.CRVal[1] + eta, nil
	}

	xi, eta = xi*deg, eta*deg
	a0, d0 := s.CRVal[0]*deg, s.CRVal[1]*deg
	den := math.Cos(d0) - eta*math.Sin(d0)
	a := a0 + math.Atan2(xi, den)
	d := math.Atan2(math.Sin(d0)+eta*math.Cos(d0), math.Hypot(xi, den))
	ra := math.Mod(a/deg, 360)
	if ra < 0 {
		ra += 360
	}
	return ra, d / deg, nil
}

// WorldToPixel implements Transform.
func (s *Solution) WorldToPixel(a, b float64) (float64, float64, error) {
	var xi, eta float64
	if s.Projection == Linear {
		xi, eta = a-s.CRVal[0], b-s.CRVal[1]
	} else {
		ra, dec := a*deg, b*deg
		a0, d0 := s.CRVal[0]*deg, s.CRVal[1]*deg
		cosc := math.Sin(d0)*math.Sin(dec) + math.Cos(d0)*math.Cos(dec)*math.Cos(ra-a0)
		if cosc <= 0 {
			return 0, 0, fmt.Errorf("world position (%g, %g) is outside the projection hemisphere", a, b)
		}
		xi = math.Cos(dec) * math.Sin(ra-a0) / cosc / deg
		eta = (math.Cos(d0)*math.Sin(dec) - math.Sin(d0)*math.Cos(dec)*math.Cos(ra-a0)) / cosc / deg
	}
	x := s.cdInv.At(0, 0)*xi + s.cdInv.At(0, 1)*eta
	y := s.cdInv.At(1, 0)*xi + s.cdInv.At(1, 1)*eta
	return x + s.CRPix[0], y + s.CRPix[1], nil
}

// Shifted returns a copy whose reference pixel moved by (dx, dy), as when
// the image is placed on a larger canvas.
func (s *Solution) Shifted(dx, dy float64) *Solution {
	out := *s
	out.CRPix = [2]float64{s.CRPix[0] + dx, s.CRPix[1] + dy}
	return &out
}

// ShiftHeader moves CRPIX1/CRPIX2 by (dx, dy) in place. Headers without a
// reference pixel are left alone.
func ShiftHeader(h *fits.Header, dx, dy float64) bool {
	crpix1, ok1 := h.Float("CRPIX1")
	crpix2, ok2 := h.Float("CRPIX2")
	if !ok1 || !ok2 {
		return false
	}
	h.Set("CRPIX1", crpix1+dx, "")
	h.Set("CRPIX2", crpix2+dy, "")
	return true
}
