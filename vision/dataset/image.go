package dataset

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Border is the letterbox padding color.
var Border = color.RGBA{127, 127, 127, 255}

// Decode reads a JPEG, PNG or BMP image from path.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// LetterboxInfo records how an image was placed inside its square canvas.
type LetterboxInfo struct {
	Size   int
	Ratio  float64
	Width  int // resized image width
	Height int
	Left   int
	Top    int
}

// Map converts a label normalized to the source image into a target
// normalized to the letterboxed canvas.
func (lb LetterboxInfo) Map(l Target) Target {
	s := float64(lb.Size)
	l.X = (l.X*float64(lb.Width) + float64(lb.Left)) / s
	l.Y = (l.Y*float64(lb.Height) + float64(lb.Top)) / s
	l.W = l.W * float64(lb.Width) / s
	l.H = l.H * float64(lb.Height) / s
	return l
}

// Letterbox resizes img to fit a size x size canvas keeping its aspect
// ratio and pads the remainder with Border.
func Letterbox(img image.Image, size int) (*image.RGBA, LetterboxInfo) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ratio := float64(size) / float64(max(w, h))
	nw := max(1, int(math.Round(float64(w)*ratio)))
	nh := max(1, int(math.Round(float64(h)*ratio)))
	dw := float64(size-nw) / 2
	dh := float64(size-nh) / 2
	left := int(math.Round(dw - 0.1))
	top := int(math.Round(dh - 0.1))

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{Border}, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, image.Rect(left, top, left+nw, top+nh), img, b, draw.Src, nil)

	return dst, LetterboxInfo{Size: size, Ratio: ratio, Width: nw, Height: nh, Left: left, Top: top}
}

// FlipLR mirrors img horizontally in place.
func FlipLR(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for l, r := 0, b.Dx()-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < 4; c++ {
				row[4*l+c], row[4*r+c] = row[4*r+c], row[4*l+c]
			}
		}
	}
}

// AugmentHSV scales saturation and value of every pixel by independent
// factors drawn uniformly from [1-fraction, 1+fraction].
func AugmentHSV(img *image.RGBA, fraction float64, rng *rand.Rand) {
	sGain := (rng.Float64()*2-1)*fraction + 1
	vGain := (rng.Float64()*2-1)*fraction + 1
	for i := 0; i+3 < len(img.Pix); i += 4 {
		h, s, v := rgbToHSV(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		s = math.Min(s*sGain, 1)
		v = math.Min(v*vGain, 1)
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = hsvToRGB(h, s, v)
	}
}

// ToCHW converts img to planar RGB floats in [0, 1].
func ToCHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			out[idx] = float32(row[4*x]) / 255
			out[plane+idx] = float32(row[4*x+1]) / 255
			out[2*plane+idx] = float32(row[4*x+2]) / 255
		}
	}
	return out
}

// FromCHW converts planar RGB floats back to an image.
func FromCHW(data []float32, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	clamp := func(v float32) uint8 {
		return uint8(math.Max(0, math.Min(255, math.Round(float64(v)*255))))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			img.SetRGBA(x, y, color.RGBA{clamp(data[idx]), clamp(data[plane+idx]), clamp(data[2*plane+idx]), 255})
		}
	}
	return img
}

func rgbToHSV(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	v = hi
	d := hi - lo
	if hi == 0 || d == 0 {
		return 0, 0, v
	}
	s = d / hi
	switch hi {
	case rf:
		h = math.Mod((gf-bf)/d, 6)
	case gf:
		h = (bf-rf)/d + 2
	default:
		h = (rf-gf)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	conv := func(f float64) uint8 { return uint8(math.Round((f + m) * 255)) }
	return conv(r), conv(g), conv(b)
}
