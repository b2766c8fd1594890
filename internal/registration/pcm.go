package registration

import (
	"image"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"tilemontage/internal/montage"
)

// surface is a row-major complex plane of w x h samples.
type surface struct {
	w, h int
	v    []complex128
}

func newSurface(img *image.Gray, r image.Rectangle) *surface {
	w, h := r.Dx(), r.Dy()
	s := &surface{w: w, h: h, v: make([]complex128, w*h)}
	sum := 0.0
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(r.Min.X, r.Min.Y+y):]
		for x := 0; x < w; x++ {
			f := float64(row[x])
			s.v[y*w+x] = complex(f, 0)
			sum += f
		}
	}
	mean := complex(sum/float64(w*h), 0)
	for i := range s.v {
		s.v[i] -= mean
	}
	return s
}

// fft2 transforms s in place, rows first then columns.
func (s *surface) fft2(inverse bool) {
	rows := fourier.NewCmplxFFT(s.w)
	for y := 0; y < s.h; y++ {
		line := s.v[y*s.w : (y+1)*s.w]
		if inverse {
			rows.Sequence(line, line)
		} else {
			rows.Coefficients(line, line)
		}
	}
	cols := fourier.NewCmplxFFT(s.h)
	col := make([]complex128, s.h)
	for x := 0; x < s.w; x++ {
		for y := 0; y < s.h; y++ {
			col[y] = s.v[y*s.w+x]
		}
		if inverse {
			cols.Sequence(col, col)
		} else {
			cols.Coefficients(col, col)
		}
		for y := 0; y < s.h; y++ {
			s.v[y*s.w+x] = col[y]
		}
	}
}

func (s *surface) at(x, y int) float64 {
	x = ((x % s.w) + s.w) % s.w
	y = ((y % s.h) + s.h) % s.h
	return real(s.v[y*s.w+x])
}

// correlate returns the phase correlation surface of a against b. A peak
// at p means b(x) = a(x + p).
func correlate(a, b *surface) *surface {
	a.fft2(false)
	b.fft2(false)
	for i := range a.v {
		c := a.v[i] * cmplx.Conj(b.v[i])
		if m := cmplx.Abs(c); m > 1e-12 {
			a.v[i] = c / complex(m, 0)
		} else {
			a.v[i] = 0
		}
	}
	a.fft2(true)
	return a
}

// peak is a located correlation maximum.
type peak struct {
	dx, dy  float64
	quality float64
}

// findPeak returns the signed, optionally refined location of the maximum
// and its z-score against the whole surface.
func findPeak(s *surface, method montage.PeakInterpolation) peak {
	best, bx, by := math.Inf(-1), 0, 0
	vals := make([]float64, len(s.v))
	for i, c := range s.v {
		vals[i] = real(c)
		if vals[i] > best {
			best, bx, by = vals[i], i%s.w, i/s.w
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	q := 0.0
	if std > 0 {
		q = (best - mean) / std
	}

	fx := refine(s.at(bx-1, by), best, s.at(bx+1, by), method)
	fy := refine(s.at(bx, by-1), best, s.at(bx, by+1), method)
	return peak{
		dx:      float64(signed(bx, s.w)) + fx,
		dy:      float64(signed(by, s.h)) + fy,
		quality: q,
	}
}

func signed(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}

// refine fits the three samples around a maximum and returns the sub-pixel
// offset of the true peak from the centre sample.
func refine(left, centre, right float64, method montage.PeakInterpolation) float64 {
	var d float64
	switch method {
	case montage.PeakParabolic:
		den := left - 2*centre + right
		if den == 0 {
			return 0
		}
		d = 0.5 * (left - right) / den
	case montage.PeakCosine:
		if centre <= 0 {
			return 0
		}
		c := (left + right) / (2 * centre)
		if c <= -1 || c >= 1 {
			return 0
		}
		omega := math.Acos(c)
		theta := math.Atan((left - right) / (2 * centre * math.Sin(omega)))
		d = -theta / omega
	default:
		return 0
	}
	if math.IsNaN(d) || math.Abs(d) >= 1 {
		return 0
	}
	return d
}
