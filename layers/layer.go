package layers

import (
	"math"

	"github.com/tsawler/go-yolo/tensor"
)

// LayerType represents the type of a Darknet module
type LayerType int

const (
	Convolutional LayerType = iota
	Shortcut
	Route
	Upsample
	MaxPool
	YOLO
)

func (lt LayerType) String() string {
	switch lt {
	case Convolutional:
		return "Convolutional"
	case Shortcut:
		return "Shortcut"
	case Route:
		return "Route"
	case Upsample:
		return "Upsample"
	case MaxPool:
		return "MaxPool"
	case YOLO:
		return "YOLO"
	default:
		return "Unknown"
	}
}

// Param is a named tensor owned by a layer. Buffers (batch-norm running
// statistics) are saved and loaded with the model but never optimized.
type Param struct {
	Name         string
	Value        *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
	Buffer       bool
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:         name,
		Value:        tensor.Zeros(shape...),
		Grad:         tensor.Zeros(shape...),
		RequiresGrad: true,
	}
}

func newBuffer(name string, shape ...int) *Param {
	return &Param{
		Name:   name,
		Value:  tensor.Zeros(shape...),
		Buffer: true,
	}
}

// Layer is one module of a network. Forward receives the tensors the module
// reads (the previous output, plus the referenced outputs for shortcut and
// route) and Backward returns one gradient per input, in the same order.
// Parameter gradients accumulate until cleared by the optimizer.
type Layer interface {
	Type() LayerType
	OutChannels() int
	Forward(inputs []*tensor.Tensor, train bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error)
	Params() []*Param
}

func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
