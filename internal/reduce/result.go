package reduce

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deepfield/internal/accum"
	"deepfield/internal/combine"
	"deepfield/internal/fits"
	"deepfield/internal/frame"
	"deepfield/internal/raster"
	"deepfield/internal/sky"
)

// Target receives serialized results.
type Target interface {
	PutImage(name string, hdus []*fits.HDU) error
	PutRecord(name string, v any) error
}

// Transaction is implemented by targets that can hold writes back until
// every product of a result is in place.
type Transaction interface {
	Begin() error
	Commit() error
	Abort() error
}

// Serializer is implemented by every storable result.
type Serializer interface {
	Serialize(t Target) error
}

// Product is a named HDU list.
type Product struct {
	Name string
	HDUs []*fits.HDU
}

// Serialize implements Serializer.
func (p Product) Serialize(t Target) error {
	return t.PutImage(p.Name, p.HDUs)
}

// Summary is the machine-readable record of a reduction.
type Summary struct {
	ID              string          `json:"id"`
	Created         time.Time       `json:"created"`
	DurationMS      int64           `json:"duration_ms"`
	Method          string          `json:"method"`
	SkyMode         string          `json:"sky_mode"`
	SkyID           string          `json:"sky_id,omitempty"`
	RefIndex        int             `json:"ref_index"`
	Inputs          []string        `json:"inputs"`
	Canvas          raster.Shape    `json:"canvas"`
	Offsets         []raster.Offset `json:"offsets"`
	Relative        []raster.Offset `json:"relative"`
	Refined         bool            `json:"refined"`
	RefineError     string          `json:"refine_error,omitempty"`
	Missing         int             `json:"missing"`
	MissingFraction float64         `json:"missing_fraction"`
	NAccum          int             `json:"naccum"`
}

// Result is the outcome of a reduction round.
type Result struct {
	// Frame is this round's combination.
	Frame accum.Stack
	// Accum is the accumulator after this round.
	Accum *accum.State
	// Sky is nil when no sky was subtracted.
	Sky     *sky.Sky
	Summary Summary

	errors bool
}

// Final is the stack to publish: the accumulation when one is running,
// otherwise this round's combination.
func (r *Result) Final() accum.Stack {
	if r.Accum != nil && r.Accum.Round > 1 {
		return r.Accum.Stack
	}
	return r.Frame
}

// Products lists the images a result serializes to.
func (r *Result) Products() []Product {
	hdus := func(s accum.Stack) []*fits.HDU {
		all := s.HDUs()
		if !r.errors {
			return all[:1]
		}
		return all
	}
	out := []Product{{Name: "result", HDUs: hdus(r.Final())}}
	if r.Accum != nil && r.Accum.Round > 1 {
		out = append(out, Product{Name: "frame", HDUs: hdus(r.Frame)})
	}
	if r.Sky != nil {
		skyHDUs := r.Sky.HDUs()
		if !r.errors {
			skyHDUs = skyHDUs[:1]
		}
		out = append(out, Product{Name: "sky", HDUs: skyHDUs})
	}
	return out
}

// Serialize implements Serializer. Transactional targets receive either
// every product and the summary or nothing.
func (r *Result) Serialize(t Target) (err error) {
	if tx, ok := t.(Transaction); ok {
		if err := tx.Begin(); err != nil {
			return err
		}
		defer func() {
			if err != nil {
				if aerr := tx.Abort(); aerr != nil {
					err = errors.Join(err, aerr)
				}
				return
			}
			err = tx.Commit()
		}()
	}
	for _, p := range r.Products() {
		if err := p.Serialize(t); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return t.PutRecord("summary", r.Summary)
}

// DirTarget writes FITS products and JSON records into a directory. Between
// Begin and Commit the files are kept in a staging directory inside Dir.
type DirTarget struct {
	Dir string
	// Written collects the paths produced so far.
	Written []string

	stage   string
	pending []string
}

// dest returns where file is written and records it for Commit when a
// transaction is open.
func (d *DirTarget) dest(file string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", err
	}
	if d.stage == "" {
		return filepath.Join(d.Dir, file), nil
	}
	d.pending = append(d.pending, file)
	return filepath.Join(d.stage, file), nil
}

func (d *DirTarget) written(path string) {
	if d.stage == "" {
		d.Written = append(d.Written, path)
	}
}

// PutImage implements Target.
func (d *DirTarget) PutImage(name string, hdus []*fits.HDU) error {
	path, err := d.dest(name + ".fits")
	if err != nil {
		return err
	}
	if err := fits.WriteFile(path, hdus); err != nil {
		return err
	}
	d.written(path)
	return nil
}

// PutRecord implements Target.
func (d *DirTarget) PutRecord(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path, err := d.dest(name + ".json")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	d.written(path)
	return nil
}

// Begin implements Transaction.
func (d *DirTarget) Begin() error {
	if d.stage != "" {
		return errors.New("transaction already open")
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	stage, err := os.MkdirTemp(d.Dir, ".staging-")
	if err != nil {
		return err
	}
	d.stage, d.pending = stage, nil
	return nil
}

// Commit moves the staged files into Dir.
func (d *DirTarget) Commit() error {
	stage, pending := d.stage, d.pending
	d.stage, d.pending = "", nil
	if stage == "" {
		return nil
	}
	defer os.RemoveAll(stage)
	for _, file := range pending {
		path := filepath.Join(d.Dir, file)
		if err := os.Rename(filepath.Join(stage, file), path); err != nil {
			return err
		}
		d.Written = append(d.Written, path)
	}
	return nil
}

// Abort drops the staged files.
func (d *DirTarget) Abort() error {
	stage := d.stage
	d.stage, d.pending = "", nil
	if stage == "" {
		return nil
	}
	return os.RemoveAll(stage)
}

// Path returns where name was or will be written as a FITS product.
func (d *DirTarget) Path(name string) string { return filepath.Join(d.Dir, name+".fits") }

// MultiTarget fans every call out to each target in order.
type MultiTarget []Target

// PutImage implements Target.
func (m MultiTarget) PutImage(name string, hdus []*fits.HDU) error {
	for _, t := range m {
		if err := t.PutImage(name, hdus); err != nil {
			return err
		}
	}
	return nil
}

// PutRecord implements Target.
func (m MultiTarget) PutRecord(name string, v any) error {
	for _, t := range m {
		if err := t.PutRecord(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Begin implements Transaction for the transactional members.
func (m MultiTarget) Begin() error {
	for i, t := range m {
		tx, ok := t.(Transaction)
		if !ok {
			continue
		}
		if err := tx.Begin(); err != nil {
			for _, prev := range m[:i] {
				if ptx, ok := prev.(Transaction); ok {
					ptx.Abort()
				}
			}
			return err
		}
	}
	return nil
}

// Commit implements Transaction.
func (m MultiTarget) Commit() error {
	var errs []error
	for _, t := range m {
		if tx, ok := t.(Transaction); ok {
			errs = append(errs, tx.Commit())
		}
	}
	return errors.Join(errs...)
}

// Abort implements Transaction.
func (m MultiTarget) Abort() error {
	var errs []error
	for _, t := range m {
		if tx, ok := t.(Transaction); ok {
			errs = append(errs, tx.Abort())
		}
	}
	return errors.Join(errs...)
}

// LoadStack reads a stack written by PutImage back into memory. Missing
// VARIANCE or MAP extensions yield zero variance and unit counts.
func LoadStack(path string) (accum.Stack, error) {
	ff, err := fits.Open(path)
	if err != nil {
		return accum.Stack{}, err
	}
	defer ff.Close()

	primary, err := ff.Read(0)
	if err != nil {
		return accum.Stack{}, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := frame.FromHDUs(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), primary, nil, nil)
	if err != nil {
		return accum.Stack{}, err
	}
	shape := f.Data.Shape
	res := combine.Result{
		Shape:    shape,
		Value:    f.Data.Pix,
		Variance: make([]float32, shape.Size()),
		Count:    make([]int32, shape.Size()),
	}
	for i := range res.Count {
		res.Count[i] = 1
	}
	if ff.Has("VARIANCE") {
		hdu, err := ff.ReadNamed("VARIANCE")
		if err != nil {
			return accum.Stack{}, err
		}
		if hdu.Shape != shape {
			return accum.Stack{}, fmt.Errorf("%s: VARIANCE shape %v differs from data %v", path, hdu.Shape, shape)
		}
		res.Variance = hdu.Image().Pix
	}
	if ff.Has("MAP") {
		hdu, err := ff.ReadNamed("MAP")
		if err != nil {
			return accum.Stack{}, err
		}
		if hdu.Shape != shape {
			return accum.Stack{}, fmt.Errorf("%s: MAP shape %v differs from data %v", path, hdu.Shape, shape)
		}
		for i, v := range hdu.Data {
			res.Count[i] = int32(v)
		}
	}
	return accum.Stack{Frame: f, Combined: res}, nil
}

// LoadState reads an accumulator product. The round is taken from NACCUM.
func LoadState(path string) (*accum.State, error) {
	st, err := LoadStack(path)
	if err != nil {
		return nil, err
	}
	round, ok := st.Frame.Header.Int("NACCUM")
	if !ok {
		round = 1
	}
	return &accum.State{Round: round, Stack: st}, nil
}
