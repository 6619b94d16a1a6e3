// Package imageio loads and stores the images analysed by the blur tools.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"nvis/internal/fsutil"
)

// Gray is a row-major grid of intensities in [0,255].
type Gray struct {
	Width, Height int
	Pix           []float64
}

// NewGray allocates a zeroed w×h grid.
func NewGray(w, h int) *Gray {
	return &Gray{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// At returns the intensity at (x, y).
func (g *Gray) At(x, y int) float64 {
	return g.Pix[y*g.Width+x]
}

// Set stores v at (x, y).
func (g *Gray) Set(x, y int, v float64) {
	g.Pix[y*g.Width+x] = v
}

// Load decodes the image at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Downscale shrinks img so neither side exceeds maxDim, keeping the aspect
// ratio. maxDim <= 0 or an already small image returns img unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	return resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)
}

// ToGray converts img to luma intensities (ITU-R 601 weights).
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	g := NewGray(b.Dx(), b.Dy())
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < g.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+g.Width]
			for x, v := range row {
				g.Pix[y*g.Width+x] = float64(v)
			}
		}
		return g
	}
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			g.Pix[y*g.Width+x] = float64(c.Y)
		}
	}
	return g
}

// ToNRGBA returns an opaque copy of img with its origin at (0,0).
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// SavePNG encodes img as PNG and atomically replaces path.
func SavePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fsutil.WriteAtomic(path, &buf, 0o644)
}
