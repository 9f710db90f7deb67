// Package plots renders training artifacts: sample batches with their
// boxes and the curves of results.txt.
package plots

import (
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tsawler/go-yolo/tensor"
	"github.com/tsawler/go-yolo/vision/dataset"
)

// MaxImages is the most images drawn from one batch.
const MaxImages = 16

var palette = []color.RGBA{
	{255, 56, 56, 255}, {255, 157, 151, 255}, {255, 112, 31, 255}, {255, 178, 29, 255},
	{207, 210, 49, 255}, {72, 249, 10, 255}, {146, 204, 23, 255}, {61, 219, 134, 255},
	{26, 147, 52, 255}, {0, 212, 187, 255}, {44, 153, 168, 255}, {0, 194, 255, 255},
}

// Images tiles up to MaxImages images of batch imgs [B, 3, S, S] into a
// square grid, draws the targets of each image with its class name and
// writes the result as JPEG.
func Images(path string, imgs *tensor.Tensor, targets []dataset.Target, names []string) error {
	if len(imgs.Shape) != 4 || imgs.Shape[1] != 3 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "images %v", imgs.Shape)
	}
	n := min(imgs.Shape[0], MaxImages)
	h, w := imgs.Shape[2], imgs.Shape[3]
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols

	canvas := image.NewRGBA(image.Rect(0, 0, cols*w, rows*h))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	plane := 3 * h * w
	for i := 0; i < n; i++ {
		x0, y0 := (i%cols)*w, (i/cols)*h
		tile := dataset.FromCHW(imgs.Data[i*plane:(i+1)*plane], w, h)
		draw.Draw(canvas, image.Rect(x0, y0, x0+w, y0+h), tile, image.Point{}, draw.Src)
	}

	for _, t := range targets {
		if t.Image >= n {
			continue
		}
		x0, y0 := (t.Image%cols)*w, (t.Image/cols)*h
		c := palette[t.Class%len(palette)]
		r := image.Rect(
			x0+int((t.X-t.W/2)*float64(w)), y0+int((t.Y-t.H/2)*float64(h)),
			x0+int((t.X+t.W/2)*float64(w)), y0+int((t.Y+t.H/2)*float64(h)),
		).Intersect(image.Rect(x0, y0, x0+w, y0+h))
		drawRect(canvas, r, c)

		label := strconv.Itoa(t.Class)
		if t.Class < len(names) {
			label = names[t.Class]
		}
		drawLabel(canvas, r.Min.X+2, r.Min.Y+11, label, c)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create batch image")
	}
	defer f.Close()
	if err := jpeg.Encode(f, canvas, &jpeg.Options{Quality: 90}); err != nil {
		return errors.Wrap(err, "encode batch image")
	}
	return nil
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
