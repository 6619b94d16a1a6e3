// Package blur estimates local sharpness with windowed singular value
// decomposition.
//
// The score of a window is the share of its singular value energy held by
// the k largest singular values. Sharp, structured neighbourhoods concentrate
// their energy in few singular values and score high; blurred or noisy ones
// spread it out. A uniform window has a single non-zero singular value and
// scores 1.
package blur

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"nvis/internal/imageio"
)

// ErrInvalidParams is returned for a non-positive window or top-k.
var ErrInvalidParams = errors.New("invalid blur parameters")

// Params controls blur map estimation.
type Params struct {
	Window  int // side of the square window
	TopK    int // singular values counted as "top"; 0 derives it from Window
	Step    int // evaluate every Step-th pixel and fill the block; 0 or 1 is exact
	Workers int // concurrent rows; 0 uses all CPUs
}

// DefaultTopK derives the top-k count from the window size: max(1, w/2-1).
func DefaultTopK(window int) int {
	k := window/2 - 1
	if k < 1 {
		return 1
	}
	return k
}

func (p Params) resolve() (Params, error) {
	if p.Window < 1 {
		return p, fmt.Errorf("%w: window %d", ErrInvalidParams, p.Window)
	}
	if p.TopK == 0 {
		p.TopK = DefaultTopK(p.Window)
	}
	if p.TopK < 1 {
		return p, fmt.Errorf("%w: top-k %d", ErrInvalidParams, p.TopK)
	}
	if p.Step < 1 {
		p.Step = 1
	}
	if p.Workers < 1 {
		p.Workers = runtime.NumCPU()
	}
	return p, nil
}

// Map is a dense per-pixel score grid.
type Map struct {
	Width, Height int
	Values        []float64
	// RawMin and RawMax are the extremes observed before normalisation.
	RawMin, RawMax float64
	Normalized     bool
}

// At returns the score at (x, y).
func (m *Map) At(x, y int) float64 {
	return m.Values[y*m.Width+x]
}

// Normalize rescales the scores so the observed minimum maps to 0 and the
// maximum to 1. A constant map becomes all zeros.
func (m *Map) Normalize() {
	if m.Normalized {
		return
	}
	m.Normalized = true
	span := m.RawMax - m.RawMin
	if span == 0 {
		for i := range m.Values {
			m.Values[i] = 0
		}
		return
	}
	for i, v := range m.Values {
		m.Values[i] = (v - m.RawMin) / span
	}
}

// Inverted renders (1 - score) as an 8-bit grayscale image, so blurry
// regions come out bright.
func (m *Map) Inverted() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Values {
		img.Pix[i] = clampByte((1 - v) * 255)
	}
	return img
}

// Compute returns the normalised blur map of g.
func Compute(ctx context.Context, g *imageio.Gray, p Params) (*Map, error) {
	m, err := Raw(ctx, g, p)
	if err != nil {
		return nil, err
	}
	m.Normalize()
	return m, nil
}

// Raw returns per-pixel scores without normalisation. Rows are processed
// concurrently; the result does not depend on the worker count.
func Raw(ctx context.Context, g *imageio.Gray, p Params) (*Map, error) {
	p, err := p.resolve()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &Map{Width: g.Width, Height: g.Height, Values: make([]float64, g.Width*g.Height)}
	if len(m.Values) == 0 {
		return m, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.Workers)
	for y := 0; y < g.Height; y += p.Step {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return scoreRow(g, m, y, p)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	m.RawMin, m.RawMax = math.Inf(1), math.Inf(-1)
	for _, v := range m.Values {
		m.RawMin = math.Min(m.RawMin, v)
		m.RawMax = math.Max(m.RawMax, v)
	}
	return m, nil
}

// scoreRow fills the block rows [y, y+Step) of m.
func scoreRow(g *imageio.Gray, m *Map, y int, p Params) error {
	sc := newScorer(p.Window, p.TopK)
	yEnd := min(y+p.Step, g.Height)
	for x := 0; x < g.Width; x += p.Step {
		v, err := sc.score(g, x, y)
		if err != nil {
			return err
		}
		xEnd := min(x+p.Step, g.Width)
		for yy := y; yy < yEnd; yy++ {
			row := m.Values[yy*m.Width : (yy+1)*m.Width]
			for xx := x; xx < xEnd; xx++ {
				row[xx] = v
			}
		}
	}
	return nil
}

// Degree scores the whole image as a single window.
func Degree(g *imageio.Gray, topK int) (float64, error) {
	if topK < 1 {
		return 0, fmt.Errorf("%w: top-k %d", ErrInvalidParams, topK)
	}
	if g.Width == 0 || g.Height == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrInvalidParams)
	}
	a := mat.NewDense(g.Height, g.Width, append([]float64(nil), g.Pix...))
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0, errors.New("svd did not converge")
	}
	return energyRatio(svd.Values(nil), topK), nil
}

// scorer holds per-goroutine scratch space for window factorisations.
type scorer struct {
	w, k   int
	window *mat.Dense
	svd    mat.SVD
	values []float64
}

func newScorer(w, k int) *scorer {
	return &scorer{
		w:      w,
		k:      k,
		window: mat.NewDense(w, w, nil),
		values: make([]float64, w),
	}
}

// score evaluates the window centred on (cx, cy). Out-of-range samples are
// mirrored about the border pixel.
func (s *scorer) score(g *imageio.Gray, cx, cy int) (float64, error) {
	off := s.w / 2
	for r := 0; r < s.w; r++ {
		y := reflect101(cy-off+r, g.Height)
		for c := 0; c < s.w; c++ {
			x := reflect101(cx-off+c, g.Width)
			s.window.Set(r, c, g.Pix[y*g.Width+x])
		}
	}
	if !s.svd.Factorize(s.window, mat.SVDNone) {
		return 0, fmt.Errorf("svd did not converge at (%d,%d)", cx, cy)
	}
	return energyRatio(s.svd.Values(s.values), s.k), nil
}

// energyRatio is sum(sv[:k]) / sum(sv) for descending sv. A window without
// energy is treated as uniform.
func energyRatio(sv []float64, k int) float64 {
	var total, top float64
	for i, v := range sv {
		total += v
		if i < k {
			top += v
		}
	}
	if total <= 0 {
		return 1
	}
	return top / total
}

// reflect101 maps i into [0, n) by mirroring without repeating the edge:
// -1 -> 1, n -> n-2.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
