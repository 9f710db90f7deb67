package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/tensor"
)

// YOLOLayer reshapes a convolution output into per-anchor predictions.
//
// In both modes Forward returns the raw predictions laid out as
// [batch, anchor, y, x, 5+classes]. Decode turns raw predictions into boxes
// in input-image pixels: sigmoid(xy)+grid and exp(wh)*anchor scaled by the
// stride, with sigmoid objectness and class scores.
type YOLOLayer struct {
	// Anchors holds the masked anchors in input-image pixels.
	Anchors    [][2]float64
	NumClasses int

	// ImgSize is the square input size of the current forward pass.
	ImgSize int

	Channels int

	inShape []int
}

func (y *YOLOLayer) Type() LayerType  { return YOLO }
func (y *YOLOLayer) OutChannels() int { return y.Channels }
func (y *YOLOLayer) Params() []*Param { return nil }

func (y *YOLOLayer) NumAnchors() int { return len(y.Anchors) }
func (y *YOLOLayer) NumOutputs() int { return 5 + y.NumClasses }

// Stride is the input pixels per grid cell for a grid of ny rows.
func (y *YOLOLayer) Stride(ny int) float64 {
	return float64(y.ImgSize) / float64(ny)
}

// AnchorsInGrid returns the anchors in grid-cell units for a grid of ny rows.
func (y *YOLOLayer) AnchorsInGrid(ny int) [][2]float64 {
	s := y.Stride(ny)
	out := make([][2]float64, len(y.Anchors))
	for i, a := range y.Anchors {
		out[i] = [2]float64{a[0] / s, a[1] / s}
	}
	return out
}

func (y *YOLOLayer) Forward(inputs []*tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	x := inputs[0]
	na, no := y.NumAnchors(), y.NumOutputs()
	if len(x.Shape) != 4 || x.Shape[1] != na*no {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "yolo: input %v, want %d channels", x.Shape, na*no)
	}
	b, ny, nx := x.Shape[0], x.Shape[2], x.Shape[3]
	y.inShape = append(y.inShape[:0], x.Shape...)

	p := tensor.Zeros(b, na, ny, nx, no)
	hw := ny * nx
	for n := 0; n < b; n++ {
		for a := 0; a < na; a++ {
			for c := 0; c < no; c++ {
				src := x.Data[((n*na+a)*no+c)*hw:]
				for i := 0; i < hw; i++ {
					p.Data[((n*na+a)*hw+i)*no+c] = src[i]
				}
			}
		}
	}
	return p, nil
}

func (y *YOLOLayer) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	if y.inShape == nil {
		return nil, errors.New("yolo: backward before forward")
	}
	na, no := y.NumAnchors(), y.NumOutputs()
	b, ny, nx := y.inShape[0], y.inShape[2], y.inShape[3]
	hw := ny * nx
	dx := tensor.Zeros(y.inShape...)
	for n := 0; n < b; n++ {
		for a := 0; a < na; a++ {
			for c := 0; c < no; c++ {
				dst := dx.Data[((n*na+a)*no+c)*hw:]
				for i := 0; i < hw; i++ {
					dst[i] = gradOut.Data[((n*na+a)*hw+i)*no+c]
				}
			}
		}
	}
	return []*tensor.Tensor{dx}, nil
}

// Decode converts raw predictions into [batch, anchor*y*x, 5+classes] boxes
// (center x, center y, width, height in pixels, objectness, class scores).
// With a single class the class score is 1.
func (y *YOLOLayer) Decode(p *tensor.Tensor) *tensor.Tensor {
	b, na, ny, nx, no := p.Shape[0], p.Shape[1], p.Shape[2], p.Shape[3], p.Shape[4]
	stride := y.Stride(ny)
	out := tensor.Zeros(b, na*ny*nx, no)
	for n := 0; n < b; n++ {
		for a := 0; a < na; a++ {
			for gy := 0; gy < ny; gy++ {
				for gx := 0; gx < nx; gx++ {
					idx := (((n*na+a)*ny+gy)*nx + gx) * no
					src := p.Data[idx : idx+no]
					dst := out.Data[idx : idx+no]
					dst[0] = (Sigmoid(src[0]) + float32(gx)) * float32(stride)
					dst[1] = (Sigmoid(src[1]) + float32(gy)) * float32(stride)
					dst[2] = float32(math.Exp(float64(src[2])) * y.Anchors[a][0])
					dst[3] = float32(math.Exp(float64(src[3])) * y.Anchors[a][1])
					for c := 4; c < no; c++ {
						dst[c] = Sigmoid(src[c])
					}
					if no == 6 {
						dst[5] = 1
					}
				}
			}
		}
	}
	return out
}
