package sky

import (
	"fmt"
	"log/slog"

	"deepfield/internal/flow"
	"deepfield/internal/frame"
	"deepfield/internal/raster"
)

// Corrector subtracts a sky frame and stamps its identity.
type Corrector struct {
	flow.Corrector
	sky raster.Image
	id  string
	log *slog.Logger
}

// NewCorrector builds the subtraction node for sky.
func NewCorrector(sky *Sky, log *slog.Logger) *Corrector {
	if log == nil {
		log = slog.Default()
	}
	return &Corrector{
		Corrector: flow.Corrector{Key: MarkerKey, Comment: "sky subtracted"},
		sky:       sky.Frame.Data,
		id:        sky.ID(),
		log:       log,
	}
}

// Apply implements flow.Node.
func (c *Corrector) Apply(f *frame.Frame) (*frame.Frame, error) {
	if f.Data.Shape != c.sky.Shape {
		return nil, fmt.Errorf("sky %v does not match frame %s %v: %w", c.sky.Shape, f.Name, f.Data.Shape, raster.ErrShape)
	}
	out := raster.NewImage(f.Data.Shape)
	for i, v := range f.Data.Pix {
		out.Pix[i] = v - c.sky.Pix[i]
	}
	c.log.Debug("sky subtracted", "frame", f.Name, "sky", c.id)
	res := f.WithData(out,
		fmt.Sprintf("Sky subtraction with %s", c.id),
		fmt.Sprintf("Sky subtraction time %s", flow.Stamp()),
	)
	c.Mark(res.Header, c.id)
	return res, nil
}

// Applied reports whether f already carries a sky subtraction.
func Applied(f *frame.Frame) bool {
	return f != nil && f.Header != nil && f.Header.Has(MarkerKey)
}
