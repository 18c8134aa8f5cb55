package objmask

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepfield/internal/raster"
)

func noisy(shape raster.Shape, seed int64) raster.Image {
	rng := rand.New(rand.NewSource(seed))
	img := raster.NewImage(shape)
	for i := range img.Pix {
		img.Pix[i] = float32(100 + rng.NormFloat64())
	}
	return img
}

func addBlock(img raster.Image, row, col, size int, v float32) {
	for r := row; r < row+size; r++ {
		for c := col; c < col+size; c++ {
			img.Set(r, c, img.At(r, c)+v)
		}
	}
}

func TestSegmenterFindsSourcesAboveMinArea(t *testing.T) {
	img := noisy(raster.Shape{Rows: 40, Cols: 40}, 1)
	addBlock(img, 10, 10, 5, 50)
	addBlock(img, 30, 30, 2, 50)

	labels, err := NewSegmenter(Params{}, nil).Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 1, labels.N)
	assert.Equal(t, 25, labels.Covered())
	assert.Equal(t, int32(1), labels.At(12, 12))
	assert.Equal(t, int32(0), labels.At(30, 30))
}

func TestSegmenterBorder(t *testing.T) {
	img := noisy(raster.Shape{Rows: 40, Cols: 40}, 2)
	addBlock(img, 0, 0, 5, 50)
	labels, err := NewSegmenter(Params{Border: 6}, nil).Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 0, labels.N)
}

func TestSegmenterSmoothing(t *testing.T) {
	img := noisy(raster.Shape{Rows: 40, Cols: 40}, 3)
	addBlock(img, 15, 15, 6, 40)
	labels, err := NewSegmenter(Params{FWHM: 2, SNR: 5}, nil).Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 1, labels.N)
	assert.Equal(t, int32(1), labels.At(17, 17))
}

func TestSegmenterFlatImage(t *testing.T) {
	labels, err := NewSegmenter(Params{}, nil).Detect(context.Background(), raster.Filled(raster.Shape{Rows: 4, Cols: 4}, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, labels.N)
}

func TestMasksCutsRegionsAndAndsBPM(t *testing.T) {
	labels := NewLabels(raster.Shape{Rows: 3, Cols: 4})
	labels.Pix[1*4+1] = 1
	labels.Pix[1*4+2] = 1
	regions := []raster.Region{
		{Row0: 0, Row1: 3, Col0: 0, Col1: 3},
		{Row0: 0, Row1: 3, Col0: 1, Col1: 4},
	}
	bpm := raster.NewMask(raster.Shape{Rows: 3, Cols: 3})
	bpm.Pix[1*3+1] = true

	masks, err := Masks(labels, regions, []*raster.Mask{nil, &bpm})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, false, true, true, false, false, false}, masks[0].Pix)
	assert.Equal(t, []bool{false, false, false, false, true, false, false, false, false}, masks[1].Pix)

	_, err = Masks(labels, []raster.Region{{Row0: 0, Row1: 5, Col0: 0, Col1: 1}}, nil)
	assert.Error(t, err)
}

type failing struct{}

func (failing) Detect(context.Context, raster.Image) (Labels, error) {
	return Labels{}, errors.New("no sources")
}

func TestEstimateWrapsDetectorFailure(t *testing.T) {
	_, _, err := Estimate(context.Background(), failing{}, raster.NewImage(raster.Shape{Rows: 2, Cols: 2}), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object detection")
}
