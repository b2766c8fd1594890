package dataset

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirDecodesTiles(t *testing.T) {
	dir := t.TempDir()

	gray := image.NewGray(image.Rect(0, 0, 4, 3))
	gray.SetGray(1, 2, color.Gray{Y: 200})
	writePNG(t, filepath.Join(dir, "scan_r0c0.png"), gray)

	opaque := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for i := range opaque.Pix {
		opaque.Pix[i] = 255
	}
	writePNG(t, filepath.Join(dir, "scan_r0c1.png"), opaque)

	translucent := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	translucent.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 40})
	writePNG(t, filepath.Join(dir, "scan_r1c0.png"), translucent)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, stats, err := LoadDir(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if stats.Tiles != 3 || store.Len() != 3 {
		t.Fatalf("expected 3 tiles, got stats %+v len %d", stats, store.Len())
	}
	if want := int64(12 + 36 + 48); stats.Bytes != want {
		t.Fatalf("expected %d bytes, got %d", want, stats.Bytes)
	}

	path := ArrayPath{Matrix: DefaultMatrixName, Array: DefaultArrayName}
	for name, comps := range map[string]int{"scan_r0c0": 1, "scan_r0c1": 3, "scan_r1c0": 4} {
		h, err := store.Tile(name)
		if err != nil {
			t.Fatal(err)
		}
		arr, err := store.Array(h, path)
		if err != nil {
			t.Fatal(err)
		}
		if arr.Components != comps {
			t.Fatalf("%s: expected %d components, got %d", name, comps, arr.Components)
		}
		if err := arr.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		geom, err := store.Geometry(h)
		if err != nil {
			t.Fatal(err)
		}
		if geom.Dimensions != [3]int{4, 3, 1} || geom.Spacing != [3]float64{1, 1, 1} {
			t.Fatalf("%s: unexpected geometry %+v", name, geom)
		}
	}

	h, _ := store.Tile("scan_r0c0")
	arr, _ := store.Array(h, path)
	if arr.Data[2*4+1] != 200 {
		t.Fatalf("expected pixel (1,2) to be 200, got %d", arr.Data[2*4+1])
	}
}

func TestLoadDirEmpty(t *testing.T) {
	_, _, err := LoadDir(t.TempDir(), LoadOptions{})
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	if _, _, err := LoadDir(filepath.Join(t.TempDir(), "missing"), LoadOptions{}); err == nil || errors.Is(err, ErrNoImages) {
		t.Fatalf("expected listing error for a missing directory, got %v", err)
	}
}

func TestLoadDirCustomArrayPath(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a_r0c0.png"), image.NewGray(image.Rect(0, 0, 2, 2)))
	store, _, err := LoadDir(dir, LoadOptions{Matrix: "Tiles", Array: "Pixels"})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := store.Tile("a_r0c0")
	if _, err := store.Array(h, ArrayPath{Matrix: "Tiles", Array: "Pixels"}); err != nil {
		t.Fatalf("custom array path not used: %v", err)
	}
	if _, err := store.Array(h, ArrayPath{Matrix: DefaultMatrixName, Array: DefaultArrayName}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for default path, got %v", err)
	}
}

func TestPixelsSubImage(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i)
	}
	sub := gray.SubImage(image.Rect(1, 1, 3, 3))
	w, h, comps, data := Pixels(sub)
	if w != 2 || h != 2 || comps != 1 {
		t.Fatalf("unexpected shape %dx%d/%d", w, h, comps)
	}
	want := []byte{5, 6, 9, 10}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("pixel %d: expected %d, got %d", i, want[i], data[i])
		}
	}
}

func TestStoreMutationsAndCopies(t *testing.T) {
	store := NewStore()
	if err := store.Add(NewTileContainer("t_r0c0", 2, 2, 1, make([]byte, 4), "M", "A")); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(&DataContainer{Name: "bad"}); err == nil {
		t.Fatalf("expected error for container without geometry")
	}
	if _, err := store.Tile("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	h, _ := store.Tile("t_r0c0")
	if err := store.SetOrigin(h, 3, 4, 0); err != nil {
		t.Fatal(err)
	}
	tc := &TransformContainer{TypeName: "T", Parameters: []float64{1, 2}}
	if err := store.SetTransform(h, tc); err != nil {
		t.Fatal(err)
	}
	tc.Parameters[0] = 99

	geom, _ := store.Geometry(h)
	if geom.Origin != [3]float64{3, 4, 0} {
		t.Fatalf("unexpected origin %v", geom.Origin)
	}
	if geom.Transform.Parameters[0] != 1 {
		t.Fatalf("store must keep its own copy of the transform")
	}
	geom.Transform.Parameters[1] = 42
	again, _ := store.Geometry(h)
	if again.Transform.Parameters[1] != 2 {
		t.Fatalf("Geometry must return a copy of the transform")
	}
	if names := store.Names(); len(names) != 1 || names[0] != "t_r0c0" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestDataArrayValidate(t *testing.T) {
	arr := &DataArray{Name: "A", Components: 3, TupleDims: []int{2, 2, 1}, Data: make([]byte, 11)}
	if err := arr.Validate(); err == nil {
		t.Fatalf("expected error for short buffer")
	}
	arr.Data = make([]byte, 12)
	if err := arr.Validate(); err != nil {
		t.Fatal(err)
	}
	if (&DataArray{}).NumTuples() != 0 {
		t.Fatalf("array without tuple dims has no tuples")
	}
}
