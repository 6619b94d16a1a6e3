// Package diff compares the blur maps of two images and paints the signed
// difference onto the first one.
package diff

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strconv"

	"nvis/internal/blur"
	"nvis/internal/imageio"
)

// ErrDimensionMismatch is returned when the two inputs differ in size.
var ErrDimensionMismatch = errors.New("image dimensions differ")

// Options controls a diff render. Zero values fall back to the blur package
// defaults, a tolerance of 0 and a multiplier of 1.
type Options struct {
	Window       int
	TopK         int
	Step         int
	Workers      int
	Tolerance    float64
	Multiplier   float64
	MaxDimension int
}

func (o Options) blurParams() blur.Params {
	return blur.Params{Window: o.Window, TopK: o.TopK, Step: o.Step, Workers: o.Workers}
}

// Result holds both blur maps and the tinted composite.
type Result struct {
	MapA, MapB *blur.Map
	Output     *image.NRGBA
	Sharper    int // pixels tinted red: A sharper than B
	Blurrier   int // pixels tinted green
}

// Files names the images written by RenderFiles.
type Files struct {
	BlurA  string
	BlurB  string
	Output string
}

// OutputFiles returns the paths used for a given window size.
func OutputFiles(dir string, window int) Files {
	w := strconv.Itoa(window)
	return Files{
		BlurA:  filepath.Join(dir, "blur-a-"+w+".png"),
		BlurB:  filepath.Join(dir, "blur-b-"+w+".png"),
		Output: filepath.Join(dir, "output-"+w+".png"),
	}
}

// Render computes blur maps for a and b with identical parameters and tints a
// copy of a: red where a scores higher, green where b does.
func Render(ctx context.Context, a, b image.Image, opts Options) (*Result, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch, ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 1
	}

	a = imageio.Downscale(a, opts.MaxDimension)
	b = imageio.Downscale(b, opts.MaxDimension)

	mapA, err := blur.Compute(ctx, imageio.ToGray(a), opts.blurParams())
	if err != nil {
		return nil, fmt.Errorf("blur map a: %w", err)
	}
	mapB, err := blur.Compute(ctx, imageio.ToGray(b), opts.blurParams())
	if err != nil {
		return nil, fmt.Errorf("blur map b: %w", err)
	}

	res := &Result{MapA: mapA, MapB: mapB, Output: imageio.ToNRGBA(a)}
	pix := res.Output.Pix
	for i := range mapA.Values {
		d := (mapA.Values[i] - mapB.Values[i]) * opts.Multiplier
		switch {
		case d > opts.Tolerance:
			pix[i*4] = saturate(float64(pix[i*4]) + d*255)
			res.Sharper++
		case d < -opts.Tolerance:
			pix[i*4+1] = saturate(float64(pix[i*4+1]) - d*255)
			res.Blurrier++
		}
	}
	return res, nil
}

// RenderFiles loads both images, renders the diff and writes the inverted
// blur maps and the composite into outDir.
func RenderFiles(ctx context.Context, pathA, pathB, outDir string, opts Options) (Files, *Result, error) {
	a, err := imageio.Load(pathA)
	if err != nil {
		return Files{}, nil, err
	}
	b, err := imageio.Load(pathB)
	if err != nil {
		return Files{}, nil, err
	}

	res, err := Render(ctx, a, b, opts)
	if err != nil {
		return Files{}, nil, err
	}

	if outDir == "" {
		outDir = "."
	}
	files := OutputFiles(outDir, opts.Window)
	if err := imageio.SavePNG(files.BlurA, res.MapA.Inverted()); err != nil {
		return files, res, err
	}
	if err := imageio.SavePNG(files.BlurB, res.MapB.Inverted()); err != nil {
		return files, res, err
	}
	if err := imageio.SavePNG(files.Output, res.Output); err != nil {
		return files, res, err
	}
	return files, res, nil
}

// saturate clamps a tinted channel to a byte. The tint is truncated, not
// rounded, matching an integer channel incremented in place.
func saturate(v float64) uint8 {
	v = math.Floor(v)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
