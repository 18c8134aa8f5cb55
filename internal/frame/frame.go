// Package frame models a single exposure: pixel data, header provenance,
// optional NUM/BPM planes and the pixel-to-world transform.
package frame

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"deepfield/internal/fits"
	"deepfield/internal/raster"
	"deepfield/internal/wcs"
)

// MaskSource records which plane produced a frame's validity mask.
type MaskSource string

const (
	MaskFromNUM  MaskSource = "NUM"
	MaskFromBPM  MaskSource = "BPM"
	MaskAllValid MaskSource = "none"
)

// Frame is never mutated once built; derive new frames with With*.
type Frame struct {
	Name   string
	Data   raster.Image
	Header *fits.Header
	Num    *raster.Image
	BPM    *raster.Mask
	WCS    wcs.Transform
}

// Shape returns the data shape.
func (f *Frame) Shape() raster.Shape { return f.Data.Shape }

// Transform returns the pixel-to-world transform, nil when the header has none.
func (f *Frame) Transform() wcs.Transform { return f.WCS }

// ID returns the frame's UUID keyword, falling back to its name.
func (f *Frame) ID() string {
	if f.Header != nil {
		if id := f.Header.String("UUID"); id != "" {
			return id
		}
	}
	return f.Name
}

// Mask returns the validity mask, true marking excluded pixels. NUM takes
// precedence over BPM; without either every pixel is valid.
func (f *Frame) Mask() (raster.Mask, MaskSource) {
	switch {
	case f.Num != nil:
		m := raster.NewMask(f.Num.Shape)
		for i, v := range f.Num.Pix {
			m.Pix[i] = v == 0
		}
		return m, MaskFromNUM
	case f.BPM != nil:
		m := raster.NewMask(f.BPM.Shape)
		copy(m.Pix, f.BPM.Pix)
		return m, MaskFromBPM
	default:
		return raster.NewMask(f.Data.Shape), MaskAllValid
	}
}

// WithData returns a copy carrying new pixel data and a cloned header with
// history appended.
func (f *Frame) WithData(data raster.Image, history ...string) *Frame {
	out := *f
	out.Data = data
	out.Header = f.Header.Clone()
	for _, h := range history {
		out.Header.AddHistory(h)
	}
	return &out
}

// WithHeader returns a copy whose cloned header was adjusted by edit.
func (f *Frame) WithHeader(edit func(h *fits.Header)) *Frame {
	out := *f
	out.Header = f.Header.Clone()
	edit(out.Header)
	return &out
}

// FromHDUs assembles a frame from a primary HDU and optional NUM/BPM HDUs.
func FromHDUs(name string, primary, num, bpm *fits.HDU) (*Frame, error) {
	if primary == nil || primary.Data == nil {
		return nil, fmt.Errorf("%s: primary HDU has no image", name)
	}
	f := &Frame{
		Name:   name,
		Data:   primary.Image(),
		Header: primary.Header.Clone(),
	}
	if num != nil {
		if num.Shape != f.Data.Shape {
			return nil, fmt.Errorf("%s: NUM shape %v differs from data %v", name, num.Shape, f.Data.Shape)
		}
		img := num.Image()
		f.Num = &img
	}
	if bpm != nil {
		if bpm.Shape != f.Data.Shape {
			return nil, fmt.Errorf("%s: BPM shape %v differs from data %v", name, bpm.Shape, f.Data.Shape)
		}
		m := raster.NewMask(bpm.Shape)
		for i, v := range bpm.Data {
			m.Pix[i] = v != 0
		}
		f.BPM = &m
	}
	if sol, err := wcs.FromHeader(f.Header); err == nil {
		f.WCS = sol
	}
	return f, nil
}

// Source yields frames on demand. Every successful Open must be paired with
// a Close on the returned handle.
type Source interface {
	Label() string
	Open() (*Handle, error)
}

// Handle is an opened frame plus the resource backing it.
type Handle struct {
	*Frame
	closer io.Closer
}

// Close releases the resource behind the frame. It is safe to call twice.
func (h *Handle) Close() error {
	if h == nil || h.closer == nil {
		return nil
	}
	err := h.closer.Close()
	h.closer = nil
	return err
}

// File is a Source backed by a FITS file on disk.
type File struct {
	Path string
}

// Label implements Source.
func (s File) Label() string { return s.Path }

// Open implements Source. The file stays open until the handle is closed.
func (s File) Open() (*Handle, error) {
	ff, err := fits.Open(s.Path)
	if err != nil {
		return nil, err
	}
	f, err := load(ff, strings.TrimSuffix(filepath.Base(s.Path), filepath.Ext(s.Path)))
	if err != nil {
		ff.Close()
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	return &Handle{Frame: f, closer: ff}, nil
}

func load(ff *fits.File, name string) (*Frame, error) {
	primary, err := ff.Read(0)
	if err != nil {
		return nil, err
	}
	var num, bpm *fits.HDU
	if ff.Has("NUM") {
		if num, err = ff.ReadNamed("NUM"); err != nil {
			return nil, err
		}
	}
	if ff.Has("BPM") {
		if bpm, err = ff.ReadNamed("BPM"); err != nil {
			return nil, err
		}
	}
	return FromHDUs(name, primary, num, bpm)
}

// Memory is a Source wrapping an in-memory frame.
type Memory struct {
	Frame *Frame
}

// Label implements Source.
func (s Memory) Label() string { return s.Frame.Name }

// Open implements Source.
func (s Memory) Open() (*Handle, error) {
	if s.Frame == nil {
		return nil, errors.New("nil frame")
	}
	return &Handle{Frame: s.Frame}, nil
}

// Files wraps paths as sources.
func Files(paths []string) []Source {
	out := make([]Source, len(paths))
	for i, p := range paths {
		out[i] = File{Path: p}
	}
	return out
}

// Set is a group of open handles that is closed as a unit.
type Set struct {
	Handles []*Handle
}

// OpenAll opens every source in order. On failure the handles opened so far
// are closed before returning.
func OpenAll(sources []Source) (*Set, error) {
	set := &Set{}
	for _, src := range sources {
		h, err := src.Open()
		if err != nil {
			cerr := set.Close()
			return nil, errors.Join(fmt.Errorf("open %s: %w", src.Label(), err), cerr)
		}
		set.Handles = append(set.Handles, h)
	}
	return set, nil
}

// Frames returns the opened frames in order.
func (s *Set) Frames() []*Frame {
	out := make([]*Frame, len(s.Handles))
	for i, h := range s.Handles {
		out[i] = h.Frame
	}
	return out
}

// Close closes every handle and joins the errors.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, h := range s.Handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
