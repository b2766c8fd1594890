package montage

import (
	"fmt"
	"image"
	"math"

	"tilemontage/internal/dataset"
)

// PixelFormat is the closed set of tile layouts the montage accepts. The
// value equals the component count.
type PixelFormat int

const (
	Grayscale PixelFormat = 1
	RGB       PixelFormat = 3
	RGBA      PixelFormat = 4
)

func (f PixelFormat) String() string {
	switch f {
	case Grayscale:
		return "grayscale"
	case RGB:
		return "rgb"
	case RGBA:
		return "rgba"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Components returns the number of uint8 components per pixel.
func (f PixelFormat) Components() int { return int(f) }

// scalarizer reduces a tile buffer to the single-channel image the
// registration engine correlates.
type scalarizer func(data []byte, width, height int) *image.Gray

var scalarizers = map[PixelFormat]scalarizer{
	Grayscale: wrapGray,
	RGB:       luminance(3),
	RGBA:      luminance(4),
}

// SelectFormat maps a component count to its pixel format.
func SelectFormat(components int) (PixelFormat, error) {
	f := PixelFormat(components)
	if _, ok := scalarizers[f]; !ok {
		return 0, newError(CodeUnsupportedPixelFormat,
			"%d-component arrays are not supported; supported image types are grayscale (1-component), RGB (3-component), and RGBA (4-component)", components)
	}
	return f, nil
}

// Scalar returns the intensity image for arr, whose first two tuple
// dimensions are the pixel width and height.
func (f PixelFormat) Scalar(arr *dataset.DataArray) (*image.Gray, error) {
	reduce, ok := scalarizers[f]
	if !ok {
		return nil, newError(CodeUnsupportedPixelFormat, "%s", f)
	}
	if len(arr.TupleDims) < 2 {
		return nil, newError(CodeInvalidTupleDims, "array %q has tuple dims %v", arr.Name, arr.TupleDims)
	}
	w, h := arr.TupleDims[0], arr.TupleDims[1]
	if need := w * h * f.Components(); len(arr.Data) < need {
		return nil, newError(CodeArrayShapeMismatch, "array %q holds %d values, %dx%d %s needs %d",
			arr.Name, len(arr.Data), w, h, f, need)
	}
	return reduce(arr.Data, w, h), nil
}

// wrapGray shares the buffer with the store; no pixels are copied.
func wrapGray(data []byte, width, height int) *image.Gray {
	return &image.Gray{
		Pix:    data[:width*height],
		Stride: width,
		Rect:   image.Rect(0, 0, width, height),
	}
}

// luminance projects interleaved colour pixels with Rec.601 weights; any
// fourth component (alpha) is ignored.
func luminance(stride int) scalarizer {
	return func(data []byte, width, height int) *image.Gray {
		img := image.NewGray(image.Rect(0, 0, width, height))
		for i := range img.Pix {
			p := data[i*stride : i*stride+3]
			y := 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
			img.Pix[i] = uint8(math.Min(255, math.Round(y)))
		}
		return img
	}
}
