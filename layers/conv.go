package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-yolo/tensor"
)

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
	leakySlope = 0.1
)

// Conv2D is a Darknet convolutional module: convolution, optional batch
// normalization and a leaky or linear activation.
type Conv2D struct {
	InC, OutC, Kernel, Stride, Pad int
	BatchNorm                      bool
	Leaky                          bool

	// NoInputGrad skips the input gradient, used for the first layer
	// whose input is the image batch.
	NoInputGrad bool

	Weight *Param
	Bias   *Param

	Gamma, Beta             *Param
	RunningMean, RunningVar *Param

	input   *tensor.Tensor
	output  *tensor.Tensor
	xhat    []float32
	invStd  []float32
	trainBN bool
}

// NewConv2D creates a convolution initialized uniformly in ±1/sqrt(fan_in),
// with batch-norm scale 1 and shift 0.
func NewConv2D(inC, outC, kernel, stride, pad int, batchNorm, leaky bool, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InC: inC, OutC: outC, Kernel: kernel, Stride: stride, Pad: pad,
		BatchNorm: batchNorm,
		Leaky:     leaky,
		Weight:    newParam("Conv2d.weight", outC, inC, kernel, kernel),
	}
	bound := 1 / math.Sqrt(float64(inC*kernel*kernel))
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	if batchNorm {
		c.Gamma = newParam("BatchNorm2d.weight", outC)
		c.Gamma.Value.Fill(1)
		c.Beta = newParam("BatchNorm2d.bias", outC)
		c.RunningMean = newBuffer("BatchNorm2d.running_mean", outC)
		c.RunningVar = newBuffer("BatchNorm2d.running_var", outC)
		c.RunningVar.Value.Fill(1)
	} else {
		c.Bias = newParam("Conv2d.bias", outC)
		for i := range c.Bias.Value.Data {
			c.Bias.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
	}
	return c
}

func (c *Conv2D) Type() LayerType  { return Convolutional }
func (c *Conv2D) OutChannels() int { return c.OutC }

// Params lists the parameters in Darknet weight-file order: batch-norm
// (bias, weight, running mean, running var) or conv bias, then conv weight.
func (c *Conv2D) Params() []*Param {
	if c.BatchNorm {
		return []*Param{c.Beta, c.Gamma, c.RunningMean, c.RunningVar, c.Weight}
	}
	return []*Param{c.Bias, c.Weight}
}

func (c *Conv2D) outSize(h, w int) (int, int) {
	return (h+2*c.Pad-c.Kernel)/c.Stride + 1, (w+2*c.Pad-c.Kernel)/c.Stride + 1
}

func (c *Conv2D) pointwise() bool {
	return c.Kernel == 1 && c.Stride == 1 && c.Pad == 0
}

func (c *Conv2D) Forward(inputs []*tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("convolutional: expected 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if len(x.Shape) != 4 || x.Shape[1] != c.InC {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "convolutional: input %v, want %d channels", x.Shape, c.InC)
	}
	b, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("convolutional: input %dx%d too small for kernel %d", h, w, c.Kernel)
	}
	ohw := oh * ow
	rows := c.InC * c.Kernel * c.Kernel

	out := tensor.Zeros(b, c.OutC, oh, ow)
	weight := blas32.General{Rows: c.OutC, Cols: rows, Stride: rows, Data: c.Weight.Value.Data}
	var cols []float32
	if !c.pointwise() {
		cols = make([]float32, rows*ohw)
	}
	for n := 0; n < b; n++ {
		xb := x.Data[n*c.InC*h*w : (n+1)*c.InC*h*w]
		if c.pointwise() {
			cols = xb
		} else {
			c.im2col(xb, h, w, oh, ow, cols)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weight,
			blas32.General{Rows: rows, Cols: ohw, Stride: ohw, Data: cols},
			0, blas32.General{Rows: c.OutC, Cols: ohw, Stride: ohw, Data: out.Data[n*c.OutC*ohw : (n+1)*c.OutC*ohw]})
	}

	if c.BatchNorm {
		c.batchNormForward(out, train)
	} else {
		for n := 0; n < b; n++ {
			for ch := 0; ch < c.OutC; ch++ {
				bias := c.Bias.Value.Data[ch]
				seg := out.Data[(n*c.OutC+ch)*ohw : (n*c.OutC+ch+1)*ohw]
				for i := range seg {
					seg[i] += bias
				}
			}
		}
	}

	if c.Leaky {
		for i, v := range out.Data {
			if v < 0 {
				out.Data[i] = v * leakySlope
			}
		}
	}

	c.input = x
	c.output = out
	return out, nil
}

func (c *Conv2D) batchNormForward(out *tensor.Tensor, train bool) {
	b, ohw := out.Shape[0], out.Shape[2]*out.Shape[3]
	n := float64(b * ohw)
	if len(c.xhat) != len(out.Data) {
		c.xhat = make([]float32, len(out.Data))
	}
	if len(c.invStd) != c.OutC {
		c.invStd = make([]float32, c.OutC)
	}
	c.trainBN = train

	for ch := 0; ch < c.OutC; ch++ {
		var mean, variance float64
		if train {
			for i := 0; i < b; i++ {
				for _, v := range out.Data[(i*c.OutC+ch)*ohw : (i*c.OutC+ch+1)*ohw] {
					mean += float64(v)
				}
			}
			mean /= n
			for i := 0; i < b; i++ {
				for _, v := range out.Data[(i*c.OutC+ch)*ohw : (i*c.OutC+ch+1)*ohw] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= n

			unbiased := variance
			if n > 1 {
				unbiased = variance * n / (n - 1)
			}
			rm, rv := c.RunningMean.Value.Data, c.RunningVar.Value.Data
			rm[ch] = float32((1-bnMomentum)*float64(rm[ch]) + bnMomentum*mean)
			rv[ch] = float32((1-bnMomentum)*float64(rv[ch]) + bnMomentum*unbiased)
		} else {
			mean = float64(c.RunningMean.Value.Data[ch])
			variance = float64(c.RunningVar.Value.Data[ch])
		}

		inv := 1 / math.Sqrt(variance+bnEps)
		c.invStd[ch] = float32(inv)
		gamma, beta := c.Gamma.Value.Data[ch], c.Beta.Value.Data[ch]
		for i := 0; i < b; i++ {
			off := (i*c.OutC + ch) * ohw
			for j := off; j < off+ohw; j++ {
				xh := float32((float64(out.Data[j]) - mean) * inv)
				c.xhat[j] = xh
				out.Data[j] = gamma*xh + beta
			}
		}
	}
}

func (c *Conv2D) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	if c.output == nil {
		return nil, errors.New("convolutional: backward before forward")
	}
	if !gradOut.SameShape(c.output) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "convolutional: grad %v, output %v", gradOut.Shape, c.output.Shape)
	}
	x := c.input
	b, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.output.Shape[2], c.output.Shape[3]
	ohw := oh * ow
	rows := c.InC * c.Kernel * c.Kernel

	g := append([]float32(nil), gradOut.Data...)
	if c.Leaky {
		for i, v := range c.output.Data {
			if v <= 0 {
				g[i] *= leakySlope
			}
		}
	}

	if c.BatchNorm {
		c.batchNormBackward(g, b, ohw)
	} else if c.Bias.RequiresGrad {
		for n := 0; n < b; n++ {
			for ch := 0; ch < c.OutC; ch++ {
				var s float32
				for _, v := range g[(n*c.OutC+ch)*ohw : (n*c.OutC+ch+1)*ohw] {
					s += v
				}
				c.Bias.Grad.Data[ch] += s
			}
		}
	}

	var dx *tensor.Tensor
	if !c.NoInputGrad {
		dx = tensor.Zeros(x.Shape...)
	}
	weight := blas32.General{Rows: c.OutC, Cols: rows, Stride: rows, Data: c.Weight.Value.Data}
	dWeight := blas32.General{Rows: c.OutC, Cols: rows, Stride: rows, Data: c.Weight.Grad.Data}
	var cols, dcols []float32
	if !c.pointwise() {
		cols = make([]float32, rows*ohw)
		dcols = make([]float32, rows*ohw)
	}
	for n := 0; n < b; n++ {
		gb := blas32.General{Rows: c.OutC, Cols: ohw, Stride: ohw, Data: g[n*c.OutC*ohw : (n+1)*c.OutC*ohw]}
		xb := x.Data[n*c.InC*h*w : (n+1)*c.InC*h*w]

		if c.Weight.RequiresGrad {
			if c.pointwise() {
				cols = xb
			} else {
				c.im2col(xb, h, w, oh, ow, cols)
			}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gb,
				blas32.General{Rows: rows, Cols: ohw, Stride: ohw, Data: cols}, 1, dWeight)
		}

		if dx != nil {
			dxb := dx.Data[n*c.InC*h*w : (n+1)*c.InC*h*w]
			if c.pointwise() {
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, weight, gb,
					0, blas32.General{Rows: rows, Cols: ohw, Stride: ohw, Data: dxb})
			} else {
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, weight, gb,
					0, blas32.General{Rows: rows, Cols: ohw, Stride: ohw, Data: dcols})
				c.col2im(dcols, h, w, oh, ow, dxb)
			}
		}
	}
	return []*tensor.Tensor{dx}, nil
}

// batchNormBackward rewrites g in place from dL/dy to dL/dz and accumulates
// the scale and shift gradients.
func (c *Conv2D) batchNormBackward(g []float32, b, ohw int) {
	n := float64(b * ohw)
	for ch := 0; ch < c.OutC; ch++ {
		var sumG, sumGX float64
		for i := 0; i < b; i++ {
			off := (i*c.OutC + ch) * ohw
			for j := off; j < off+ohw; j++ {
				sumG += float64(g[j])
				sumGX += float64(g[j]) * float64(c.xhat[j])
			}
		}
		if c.Gamma.RequiresGrad {
			c.Gamma.Grad.Data[ch] += float32(sumGX)
		}
		if c.Beta.RequiresGrad {
			c.Beta.Grad.Data[ch] += float32(sumG)
		}

		scale := float64(c.Gamma.Value.Data[ch]) * float64(c.invStd[ch])
		for i := 0; i < b; i++ {
			off := (i*c.OutC + ch) * ohw
			for j := off; j < off+ohw; j++ {
				if c.trainBN {
					g[j] = float32(scale / n * (n*float64(g[j]) - sumG - float64(c.xhat[j])*sumGX))
				} else {
					g[j] = float32(scale * float64(g[j]))
				}
			}
		}
	}
}

func (c *Conv2D) im2col(x []float32, h, w, oh, ow int, cols []float32) {
	k := c.Kernel
	ohw := oh * ow
	for ch := 0; ch < c.InC; ch++ {
		plane := x[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := cols[((ch*k+ki)*k+kj)*ohw:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Pad + ki
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Pad + kj
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[oy*ow+ox] = 0
						} else {
							row[oy*ow+ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

func (c *Conv2D) col2im(cols []float32, h, w, oh, ow int, dx []float32) {
	k := c.Kernel
	ohw := oh * ow
	for ch := 0; ch < c.InC; ch++ {
		plane := dx[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := cols[((ch*k+ki)*k+kj)*ohw:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Pad + kj
						if ix >= 0 && ix < w {
							plane[iy*w+ix] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}
