package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"github.com/dustin/go-humanize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"tilemontage/internal/fsutil"
)

// ErrNoImages is returned by LoadDir for a directory without tile images.
var ErrNoImages = errors.New("dataset: no tile images")

// Default names of the attribute matrix and array that hold tile pixels.
const (
	DefaultMatrixName = "CellData"
	DefaultArrayName  = "ImageData"
)

// LoadOptions controls how a tile directory is turned into a Store.
type LoadOptions struct {
	Matrix string
	Array  string
	// UseImageMagick enables the ImageMagick decoder for formats the Go
	// image packages cannot read.
	UseImageMagick bool
	Logger         *slog.Logger
}

// LoadStats summarises a directory load.
type LoadStats struct {
	Tiles int
	Bytes int64
}

// NewTileContainer wraps a decoded pixel buffer as an image data container
// with a single attribute matrix and array.
func NewTileContainer(name string, width, height, components int, data []byte, matrix, array string) *DataContainer {
	dims := []int{width, height, 1}
	am := NewAttributeMatrix(matrix, dims)
	am.Add(&DataArray{Name: array, Components: components, TupleDims: dims, Data: data})
	dc := NewDataContainer(name, NewImageGeom(width, height))
	dc.AddMatrix(am)
	return dc
}

// LoadDir decodes every tile image in dir into a new Store. Containers are
// named after the file stem, so "scan_r0c1.png" becomes "scan_r0c1".
func LoadDir(dir string, opts LoadOptions) (*Store, LoadStats, error) {
	if opts.Matrix == "" {
		opts.Matrix = DefaultMatrixName
	}
	if opts.Array == "" {
		opts.Array = DefaultArrayName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	files, err := fsutil.ListImages(dir, opts.UseImageMagick)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("list tiles in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, LoadStats{}, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	if ok, need, err := fsutil.FitsInMemory(files); err == nil && !ok {
		logger.Warn("tile set may not fit in memory", "dir", dir, "decoded", humanize.IBytes(uint64(need)))
	}

	store := NewStore()
	var stats LoadStats
	for _, path := range files {
		width, height, comps, data, err := decodeTile(path, opts.UseImageMagick)
		if err != nil {
			return nil, stats, fmt.Errorf("decode %s: %w", path, err)
		}
		name := fsutil.Stem(path)
		if err := store.Add(NewTileContainer(name, width, height, comps, data, opts.Matrix, opts.Array)); err != nil {
			return nil, stats, err
		}
		stats.Tiles++
		stats.Bytes += int64(len(data))
		logger.Debug("tile loaded", "name", name, "width", width, "height", height, "components", comps)
	}
	return store, stats, nil
}

func decodeTile(path string, useMagick bool) (int, int, int, []byte, error) {
	if useMagick && fsutil.NeedsMagick(path) {
		return decodeWithImageMagick(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if errors.Is(err, image.ErrFormat) && useMagick {
		return decodeWithImageMagick(path)
	}
	if err != nil {
		return 0, 0, 0, nil, err
	}
	w, h, comps, data := Pixels(img)
	return w, h, comps, data, nil
}

// Pixels flattens img into a row-major uint8 buffer. Gray images yield one
// component, opaque colour images three, everything else four
// (non-premultiplied RGBA).
func Pixels(img image.Image) (width, height, components int, data []byte) {
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		data = make([]byte, width*height)
		for y := 0; y < height; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(data[y*width:(y+1)*width], src.Pix[off:off+width])
		}
		return width, height, 1, data
	case *image.Gray16:
		data = make([]byte, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
		return width, height, 1, data
	}

	components = 4
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		components = 3
	}
	data = make([]byte, width*height*components)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			data[i], data[i+1], data[i+2] = c.R, c.G, c.B
			if components == 4 {
				data[i+3] = c.A
			}
			i += components
		}
	}
	return width, height, components, data
}
