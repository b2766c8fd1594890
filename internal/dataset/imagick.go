package dataset

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// decodeWithImageMagick reads formats the Go image packages do not cover.
// Grayscale images export one intensity channel, images with alpha four
// channels, everything else RGB.
func decodeWithImageMagick(path string) (int, int, int, []byte, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("imagemagick read: %w", err)
	}

	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	pmap, comps := "RGB", 3
	switch {
	case mw.GetImageColorspace() == imagick.COLORSPACE_GRAY:
		pmap, comps = "I", 1
	case mw.GetImageAlphaChannel():
		pmap, comps = "RGBA", 4
	}

	px, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_CHAR)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("imagemagick export: %w", err)
	}
	data, ok := px.([]byte)
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("imagemagick export: unexpected pixel type %T", px)
	}
	return int(width), int(height), comps, data, nil
}
