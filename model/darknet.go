// Package model builds and runs Darknet detection networks.
package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/darknet"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

// ErrShapeMismatch is returned when loaded weights do not fit the model.
var ErrShapeMismatch = tensor.ErrShapeMismatch

// Darknet is a network built from Darknet module definitions.
type Darknet struct {
	Net     darknet.ModuleDef
	Defs    []darknet.ModuleDef
	Layers  []layers.Layer
	ImgSize int

	// YOLOLayers holds the indices of the detection layers.
	YOLOLayers []int

	// ClassWeights are inverse-frequency class weights attached by the trainer.
	ClassWeights []float64

	// sources[i] lists the layers read by layer i; -1 is the network input.
	sources [][]int
	outputs []*tensor.Tensor
	params  []*layers.Param
	owner   []int
}

// New builds a network from parsed definitions. defs[0] must be [net].
func New(defs []darknet.ModuleDef, imgSize int, rng *rand.Rand) (*Darknet, error) {
	if len(defs) < 2 {
		return nil, errors.New("model config has no modules")
	}
	d := &Darknet{
		Net:     defs[0],
		Defs:    defs[1:],
		ImgSize: imgSize,
	}
	channels, err := d.Net.Int("channels", 3)
	if err != nil {
		return nil, err
	}

	outChannels := make([]int, 0, len(d.Defs))
	for i, def := range d.Defs {
		prev := channels
		if i > 0 {
			prev = outChannels[i-1]
		}
		layer, srcs, err := d.buildLayer(i, def, prev, outChannels, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d [%s]", i, def.Type)
		}
		d.Layers = append(d.Layers, layer)
		d.sources = append(d.sources, srcs)
		outChannels = append(outChannels, layer.OutChannels())

		for _, p := range layer.Params() {
			p.Name = fmt.Sprintf("module_list.%d.%s", i, p.Name)
			d.params = append(d.params, p)
			d.owner = append(d.owner, i)
		}
	}
	if len(d.YOLOLayers) == 0 {
		return nil, errors.New("model config has no [yolo] layers")
	}
	d.outputs = make([]*tensor.Tensor, len(d.Layers))
	return d, nil
}

// Load parses a .cfg file and builds the network.
func Load(cfgPath string, imgSize int, rng *rand.Rand) (*Darknet, error) {
	defs, err := darknet.ParseModelConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return New(defs, imgSize, rng)
}

func resolve(i, ref int) int {
	if ref < 0 {
		return i + ref
	}
	return ref
}

func (d *Darknet) buildLayer(i int, def darknet.ModuleDef, prev int, outChannels []int, rng *rand.Rand) (layers.Layer, []int, error) {
	previous := []int{i - 1}
	switch def.Type {
	case "convolutional":
		bn, err := def.Int("batch_normalize", 0)
		if err != nil {
			return nil, nil, err
		}
		filters, err := def.Int("filters", 0)
		if err != nil {
			return nil, nil, err
		}
		size, err := def.Int("size", 1)
		if err != nil {
			return nil, nil, err
		}
		stride, err := def.Int("stride", 1)
		if err != nil {
			return nil, nil, err
		}
		pad, err := def.Int("pad", 0)
		if err != nil {
			return nil, nil, err
		}
		if filters <= 0 {
			return nil, nil, errors.Errorf("invalid filters %d", filters)
		}
		padding := 0
		if pad != 0 {
			padding = (size - 1) / 2
		}
		conv := layers.NewConv2D(prev, filters, size, stride, padding, bn != 0,
			def.String("activation", "linear") == "leaky", rng)
		conv.NoInputGrad = i == 0
		return conv, previous, nil

	case "maxpool":
		size, err := def.Int("size", 2)
		if err != nil {
			return nil, nil, err
		}
		stride, err := def.Int("stride", 2)
		if err != nil {
			return nil, nil, err
		}
		return &layers.MaxPoolLayer{Channels: prev, Size: size, Stride: stride}, previous, nil

	case "upsample":
		stride, err := def.Int("stride", 2)
		if err != nil {
			return nil, nil, err
		}
		return &layers.UpsampleLayer{Channels: prev, Scale: stride}, previous, nil

	case "route":
		refs, err := def.Ints("layers")
		if err != nil {
			return nil, nil, err
		}
		var srcs []int
		channels := 0
		for _, ref := range refs {
			j := resolve(i, ref)
			if j < 0 || j >= i {
				return nil, nil, errors.Errorf("route references layer %d", j)
			}
			srcs = append(srcs, j)
			channels += outChannels[j]
		}
		return &layers.RouteLayer{Channels: channels}, srcs, nil

	case "shortcut":
		from, err := def.Int("from", 0)
		if err != nil {
			return nil, nil, err
		}
		j := resolve(i, from)
		if j < 0 || j >= i {
			return nil, nil, errors.Errorf("shortcut references layer %d", j)
		}
		if outChannels[j] != prev {
			return nil, nil, errors.Errorf("shortcut adds %d channels to %d", outChannels[j], prev)
		}
		return &layers.ShortcutLayer{Channels: prev}, []int{i - 1, j}, nil

	case "yolo":
		mask, err := def.Ints("mask")
		if err != nil {
			return nil, nil, err
		}
		raw, err := def.Floats("anchors")
		if err != nil {
			return nil, nil, err
		}
		classes, err := def.Int("classes", 0)
		if err != nil {
			return nil, nil, err
		}
		if len(raw)%2 != 0 {
			return nil, nil, errors.Errorf("odd number of anchor values %d", len(raw))
		}
		var anchors [][2]float64
		for _, m := range mask {
			if m < 0 || 2*m+1 >= len(raw) {
				return nil, nil, errors.Errorf("mask %d out of range", m)
			}
			anchors = append(anchors, [2]float64{raw[2*m], raw[2*m+1]})
		}
		if want := len(anchors) * (5 + classes); prev != want {
			return nil, nil, errors.Errorf("previous layer has %d filters, yolo needs %d", prev, want)
		}
		d.YOLOLayers = append(d.YOLOLayers, i)
		return &layers.YOLOLayer{Anchors: anchors, NumClasses: classes, Channels: prev}, previous, nil
	}
	return nil, nil, errors.Errorf("unsupported module type %q", def.Type)
}

// YOLO returns the k-th detection layer.
func (d *Darknet) YOLO(k int) *layers.YOLOLayer {
	return d.Layers[d.YOLOLayers[k]].(*layers.YOLOLayer)
}

// NumClasses is the class count of the first detection layer.
func (d *Darknet) NumClasses() int {
	return d.YOLO(0).NumClasses
}

// HeadFilters is the filter count of the convolution feeding the first
// detection layer, 3*(5+classes) for standard configs.
func (d *Darknet) HeadFilters() int {
	return d.Layers[d.YOLOLayers[0]-1].OutChannels()
}

// Forward runs the network on x [batch, channels, size, size]. It returns
// the raw output of every detection layer and, when train is false, the
// decoded detections of all layers concatenated to [batch, boxes, 5+classes].
func (d *Darknet) Forward(x *tensor.Tensor, train bool) ([]*tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "input %v is not NCHW", x.Shape)
	}
	d.ImgSize = x.Shape[2]

	var raw []*tensor.Tensor
	for i, layer := range d.Layers {
		inputs := make([]*tensor.Tensor, len(d.sources[i]))
		for k, j := range d.sources[i] {
			if j < 0 {
				inputs[k] = x
			} else {
				inputs[k] = d.outputs[j]
			}
		}
		if y, ok := layer.(*layers.YOLOLayer); ok {
			y.ImgSize = d.ImgSize
		}
		out, err := layer.Forward(inputs, train)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "module %d", i)
		}
		d.outputs[i] = out
		if layer.Type() == layers.YOLO {
			raw = append(raw, out)
		}
	}

	if train {
		return raw, nil, nil
	}

	total := 0
	decoded := make([]*tensor.Tensor, len(raw))
	for k, p := range raw {
		decoded[k] = d.YOLO(k).Decode(p)
		total += decoded[k].Shape[1]
	}
	b, no := x.Shape[0], decoded[0].Shape[2]
	inf := tensor.Zeros(b, total, no)
	for n := 0; n < b; n++ {
		off := n * total * no
		for _, dt := range decoded {
			seg := dt.Shape[1] * no
			copy(inf.Data[off:off+seg], dt.Data[n*seg:(n+1)*seg])
			off += seg
		}
	}
	return raw, inf, nil
}

// Backward propagates the gradients of the detection-layer outputs (in the
// order Forward returned them) and accumulates parameter gradients.
func (d *Darknet) Backward(grads []*tensor.Tensor) error {
	if len(grads) != len(d.YOLOLayers) {
		return errors.Errorf("expected %d output gradients, got %d", len(d.YOLOLayers), len(grads))
	}
	pending := make([]*tensor.Tensor, len(d.Layers))
	for k, idx := range d.YOLOLayers {
		pending[idx] = grads[k]
	}

	for i := len(d.Layers) - 1; i >= 0; i-- {
		g := pending[i]
		if g == nil {
			continue
		}
		pending[i] = nil
		inGrads, err := d.Layers[i].Backward(g)
		if err != nil {
			return errors.Wrapf(err, "module %d", i)
		}
		for k, j := range d.sources[i] {
			if j < 0 || inGrads[k] == nil {
				continue
			}
			if pending[j] == nil {
				pending[j] = inGrads[k]
			} else if err := pending[j].AddInPlace(inGrads[k]); err != nil {
				return errors.Wrapf(err, "module %d", j)
			}
		}
	}
	return nil
}

// Parameters returns the trainable parameters, excluding buffers.
func (d *Darknet) Parameters() []*layers.Param {
	var out []*layers.Param
	for _, p := range d.params {
		if !p.Buffer {
			out = append(out, p)
		}
	}
	return out
}

// NamedParameters returns all parameters and buffers in module order.
func (d *Darknet) NamedParameters() []*layers.Param {
	return d.params
}

func (d *Darknet) ZeroGrad() {
	for _, p := range d.params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// StateDict exports all parameters and buffers.
func (d *Darknet) StateDict() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, len(d.params))
	for i, p := range d.params {
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: fmt.Sprintf("module_list.%d", d.owner[i]),
			Type:  p.Name[strings.LastIndex(p.Name, ".")+1:],
		}
	}
	return out
}

// LoadStateDict copies weights into the model by name. A shape mismatch is
// always an error. With strict, unknown and missing names are errors too;
// otherwise they are skipped. It returns the number of tensors loaded.
func (d *Darknet) LoadStateDict(weights []checkpoints.WeightTensor, strict bool) (int, error) {
	byName := make(map[string]*layers.Param, len(d.params))
	for _, p := range d.params {
		byName[p.Name] = p
	}

	loaded := 0
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		p, ok := byName[w.Name]
		if !ok {
			if strict {
				return loaded, errors.Errorf("unexpected key %q in state dict", w.Name)
			}
			continue
		}
		if !tensor.ShapeEqual(p.Value.Shape, w.Shape) || len(w.Data) != p.Value.Numel() {
			return loaded, errors.Wrapf(ErrShapeMismatch, "%s: checkpoint %v, model %v", w.Name, w.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, w.Data)
		seen[w.Name] = true
		loaded++
	}
	if strict {
		for _, p := range d.params {
			if !seen[p.Name] {
				return loaded, errors.Errorf("missing key %q in state dict", p.Name)
			}
		}
	}
	return loaded, nil
}

// TransferFilter drops scalar tensors and tensors whose first dimension is
// headFilters, the detection head of the source network.
func TransferFilter(weights []checkpoints.WeightTensor, headFilters int) []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for _, w := range weights {
		if w.Numel() > 1 && len(w.Shape) > 0 && w.Shape[0] != headFilters {
			out = append(out, w)
		}
	}
	return out
}

// SetTrainableByFilters makes only parameters whose first dimension equals
// nf trainable.
func (d *Darknet) SetTrainableByFilters(nf int) {
	for _, p := range d.Parameters() {
		p.RequiresGrad = p.Value.Shape[0] == nf
	}
}

// FreezeBelow sets RequiresGrad to !frozen for parameters of modules with
// index lower than cutoff.
func (d *Darknet) FreezeBelow(cutoff int, frozen bool) {
	for i, p := range d.params {
		if !p.Buffer && d.owner[i] < cutoff {
			p.RequiresGrad = !frozen
		}
	}
}
