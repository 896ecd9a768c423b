package cvlab

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Tensor is a dense float64 tensor in row-major order.
//
// Images are stored as (height, width, channels), feature maps as (batch, height, width,
// channels) and Gram matrices as (batch, channels, channels).
type Tensor struct {
	dense  *tensor.Dense
	values []float64 // The backing array of dense.
}

// NewTensor returns a zero-filled tensor of the given shape. It panics if a dimension is not
// positive.
func NewTensor(shape ...int) *Tensor {
	t, err := TensorFrom(make([]float64, shapeSize(shape)), shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// TensorFrom wraps values, without copying, in a tensor of the given shape.
func TensorFrom(values []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "tensor shape must have at least one dimension")
	}
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "invalid tensor shape %v", shape)
		}
	}
	if n := shapeSize(shape); n != len(values) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v needs %d values, got %d", shape, n,
			len(values))
	}

	dense := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(values))
	return &Tensor{dense: dense, values: values}, nil
}

// shapeSize is the number of elements in a tensor of the given shape.
func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return []int(t.dense.Shape().Clone())
}

// Dims is the number of dimensions.
func (t *Tensor) Dims() int {
	return t.dense.Dims()
}

// Values returns the backing array. Changes to it are visible through the tensor.
func (t *Tensor) Values() []float64 {
	return t.values
}

// Len is the total number of elements.
func (t *Tensor) Len() int {
	return len(t.values)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	values := make([]float64, len(t.values))
	copy(values, t.values)
	c, _ := TensorFrom(values, t.Shape()...)
	return c
}

// SameShape reports whether t and u have identical dimensions.
func (t *Tensor) SameShape(u *Tensor) bool {
	return t.dense.Shape().Eq(u.dense.Shape())
}

// CheckShape returns an ErrShapeMismatch error if t and u differ in shape.
func (t *Tensor) CheckShape(what string, u *Tensor) error {
	if !t.SameShape(u) {
		return errors.Wrapf(ErrShapeMismatch, "%s: %v vs %v", what, t.Shape(), u.Shape())
	}
	return nil
}

// CheckFinite returns an ErrNonFinite error if any element is NaN or Inf.
func (t *Tensor) CheckFinite(what string) error {
	return CheckFinite(what, t.values)
}

// Clip limits all elements to [min, max] in place. NaN elements are left unchanged.
func (t *Tensor) Clip(min, max float64) {
	// The bounds have the element type of the backing array, so Clamp cannot fail.
	if _, err := tensor.Clamp(t.dense, min, max, tensor.UseUnsafe()); err != nil {
		panic(err)
	}
}

// Mask is a per-pixel map of zero-based class labels.
type Mask struct {
	Height int
	Width  int
	Labels []int // Row-major, len(Labels) == Height*Width.
}

// NewMask returns an all-zero mask.
func NewMask(height, width int) *Mask {
	return &Mask{Height: height, Width: width, Labels: make([]int, height*width)}
}

// At returns the label at (x, y).
func (m *Mask) At(x, y int) int {
	return m.Labels[y*m.Width+x]
}

// Set sets the label at (x, y).
func (m *Mask) Set(x, y, label int) {
	m.Labels[y*m.Width+x] = label
}

// CheckShape returns an ErrShapeMismatch error if m and n differ in size.
func (m *Mask) CheckShape(n *Mask) error {
	if m.Height != n.Height || m.Width != n.Width || len(m.Labels) != len(n.Labels) {
		return errors.Wrapf(ErrShapeMismatch, "masks are %dx%d and %dx%d", m.Width, m.Height,
			n.Width, n.Height)
	}
	return nil
}
