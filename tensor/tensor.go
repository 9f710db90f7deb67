package tensor

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when two tensors are combined or copied
// with incompatible shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major float32 tensor. Image batches use NCHW.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// New allocates a zero-filled tensor. Every dimension must be positive.
func New(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, calculateNumElements(shape)),
	}, nil
}

// Zeros is New for shapes known to be valid. It panics otherwise.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view sharing t's data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Zero resets all elements to 0.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.Shape, o.Shape)
}

// CopyFrom copies o's data into t. The shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) error {
	if !t.SameShape(o) {
		return errors.Wrapf(ErrShapeMismatch, "copy %v into %v", o.Shape, t.Shape)
	}
	copy(t.Data, o.Data)
	return nil
}

// AddInPlace accumulates o into t.
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !t.SameShape(o) {
		return errors.Wrapf(ErrShapeMismatch, "add %v to %v", o.Shape, t.Shape)
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
