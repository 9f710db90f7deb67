package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/tensor"
)

// ShortcutLayer adds the previous output to the output of an earlier layer.
type ShortcutLayer struct {
	Channels int
}

func (s *ShortcutLayer) Type() LayerType  { return Shortcut }
func (s *ShortcutLayer) OutChannels() int { return s.Channels }
func (s *ShortcutLayer) Params() []*Param { return nil }

func (s *ShortcutLayer) Forward(inputs []*tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("shortcut: expected 2 inputs, got %d", len(inputs))
	}
	out := inputs[0].Clone()
	if err := out.AddInPlace(inputs[1]); err != nil {
		return nil, errors.Wrap(err, "shortcut")
	}
	return out, nil
}

func (s *ShortcutLayer) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{gradOut.Clone(), gradOut.Clone()}, nil
}

// RouteLayer concatenates the outputs of the referenced layers along the
// channel axis. With a single reference it forwards that output unchanged.
type RouteLayer struct {
	Channels int

	splits []int
}

func (r *RouteLayer) Type() LayerType  { return Route }
func (r *RouteLayer) OutChannels() int { return r.Channels }
func (r *RouteLayer) Params() []*Param { return nil }

func (r *RouteLayer) Forward(inputs []*tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("route: no inputs")
	}
	b, h, w := inputs[0].Shape[0], inputs[0].Shape[2], inputs[0].Shape[3]
	r.splits = r.splits[:0]
	channels := 0
	for _, in := range inputs {
		if in.Shape[0] != b || in.Shape[2] != h || in.Shape[3] != w {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "route: %v vs %v", in.Shape, inputs[0].Shape)
		}
		r.splits = append(r.splits, in.Shape[1])
		channels += in.Shape[1]
	}

	out := tensor.Zeros(b, channels, h, w)
	hw := h * w
	for n := 0; n < b; n++ {
		off := n * channels * hw
		for _, in := range inputs {
			c := in.Shape[1]
			copy(out.Data[off:off+c*hw], in.Data[n*c*hw:(n+1)*c*hw])
			off += c * hw
		}
	}
	return out, nil
}

func (r *RouteLayer) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	b, channels, h, w := gradOut.Shape[0], gradOut.Shape[1], gradOut.Shape[2], gradOut.Shape[3]
	hw := h * w
	grads := make([]*tensor.Tensor, len(r.splits))
	for i, c := range r.splits {
		grads[i] = tensor.Zeros(b, c, h, w)
	}
	for n := 0; n < b; n++ {
		off := n * channels * hw
		for i, c := range r.splits {
			copy(grads[i].Data[n*c*hw:(n+1)*c*hw], gradOut.Data[off:off+c*hw])
			off += c * hw
		}
	}
	return grads, nil
}

// UpsampleLayer performs nearest-neighbour upsampling by an integer factor.
type UpsampleLayer struct {
	Channels int
	Scale    int
}

func (u *UpsampleLayer) Type() LayerType  { return Upsample }
func (u *UpsampleLayer) OutChannels() int { return u.Channels }
func (u *UpsampleLayer) Params() []*Param { return nil }

func (u *UpsampleLayer) Forward(inputs []*tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	x := inputs[0]
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	s := u.Scale
	out := tensor.Zeros(b, c, h*s, w*s)
	ow := w * s
	for p := 0; p < b*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*h*s*ow : (p+1)*h*s*ow]
		for y := 0; y < h*s; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[y*ow+xx] = src[(y/s)*w+xx/s]
			}
		}
	}
	return out, nil
}

func (u *UpsampleLayer) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	b, c, oh, ow := gradOut.Shape[0], gradOut.Shape[1], gradOut.Shape[2], gradOut.Shape[3]
	s := u.Scale
	h, w := oh/s, ow/s
	dx := tensor.Zeros(b, c, h, w)
	for p := 0; p < b*c; p++ {
		src := gradOut.Data[p*oh*ow : (p+1)*oh*ow]
		dst := dx.Data[p*h*w : (p+1)*h*w]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[(y/s)*w+xx/s] += src[y*ow+xx]
			}
		}
	}
	return []*tensor.Tensor{dx}, nil
}

// MaxPoolLayer is a max pool with padding (size-1)/2. A 2x2 pool with
// stride 1 first zero-pads one row and column on the bottom and right so
// the spatial size is preserved.
type MaxPoolLayer struct {
	Channels int
	Size     int
	Stride   int

	inShape []int
	argmax  []int
}

func (m *MaxPoolLayer) Type() LayerType  { return MaxPool }
func (m *MaxPoolLayer) OutChannels() int { return m.Channels }
func (m *MaxPoolLayer) Params() []*Param { return nil }

func (m *MaxPoolLayer) geometry(h, w int) (pad, extra, oh, ow int) {
	pad = (m.Size - 1) / 2
	if m.Size == 2 && m.Stride == 1 {
		extra = 1
	}
	oh = (h+extra+2*pad-m.Size)/m.Stride + 1
	ow = (w+extra+2*pad-m.Size)/m.Stride + 1
	return
}

func (m *MaxPoolLayer) Forward(inputs []*tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	x := inputs[0]
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	pad, extra, oh, ow := m.geometry(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("maxpool: input %dx%d too small for size %d", h, w, m.Size)
	}

	out := tensor.Zeros(b, c, oh, ow)
	m.inShape = append(m.inShape[:0], x.Shape...)
	if cap(m.argmax) < len(out.Data) {
		m.argmax = make([]int, len(out.Data))
	}
	m.argmax = m.argmax[:len(out.Data)]

	for p := 0; p < b*c; p++ {
		plane := x.Data[p*h*w : (p+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				seen := false
				for ky := 0; ky < m.Size; ky++ {
					iy := oy*m.Stride - pad + ky
					for kx := 0; kx < m.Size; kx++ {
						ix := ox*m.Stride - pad + kx
						var v float32
						idx := -1
						switch {
						case iy >= 0 && iy < h && ix >= 0 && ix < w:
							v, idx = plane[iy*w+ix], p*h*w+iy*w+ix
						case iy >= 0 && iy < h+extra && ix >= 0 && ix < w+extra:
							v = 0
						default:
							continue
						}
						if !seen || v > best {
							best, bestIdx, seen = v, idx, true
						}
					}
				}
				o := p*oh*ow + oy*ow + ox
				out.Data[o] = best
				m.argmax[o] = bestIdx
			}
		}
	}
	return out, nil
}

func (m *MaxPoolLayer) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	if m.inShape == nil {
		return nil, errors.New("maxpool: backward before forward")
	}
	dx := tensor.Zeros(m.inShape...)
	for o, idx := range m.argmax {
		if idx >= 0 {
			dx.Data[idx] += gradOut.Data[o]
		}
	}
	return []*tensor.Tensor{dx}, nil
}
