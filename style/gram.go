package style

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sensorable/cvlab"
)

// featureDims checks that t is a (batch, height, width, channels) feature map.
func featureDims(t *cvlab.Tensor) (b, h, w, c int, err error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, 0, errors.Wrapf(cvlab.ErrShapeMismatch,
			"expected a feature map (batch, height, width, channels), got %v", shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// Gram computes the (batch, channels, channels) Gram matrices of a (batch, height, width,
// channels) feature map. Entry (i, j) is the sum over all positions of the product of channels i
// and j, divided by height*width.
//
// The result is exactly symmetric.
func Gram(features *cvlab.Tensor) (*cvlab.Tensor, error) {
	b, h, w, c, err := featureDims(features)
	if err != nil {
		return nil, err
	}
	if err := features.CheckFinite("features"); err != nil {
		return nil, err
	}

	hw := h * w
	out := cvlab.NewTensor(b, c, c)
	values, gram := features.Values(), out.Values()
	for n := 0; n < b; n++ {
		f := mat.NewDense(hw, c, values[n*hw*c:(n+1)*hw*c])

		var g mat.SymDense
		g.SymOuterK(1/float64(hw), f.T())

		dst := gram[n*c*c : (n+1)*c*c]
		for i := 0; i < c; i++ {
			for j := i; j < c; j++ {
				v := g.At(i, j)
				dst[i*c+j] = v
				dst[j*c+i] = v
			}
		}
	}

	return out, out.CheckFinite("gram matrix")
}

// gramBackward returns the gradient with respect to features given the gradient gradGram with
// respect to Gram(features):
//
//	dL/dF = F (S + S^T) / (height*width),  S = dL/dG
func gramBackward(features, gradGram *cvlab.Tensor) (*cvlab.Tensor, error) {
	b, h, w, c, err := featureDims(features)
	if err != nil {
		return nil, err
	}
	if shape := gradGram.Shape(); len(shape) != 3 || shape[0] != b || shape[1] != c ||
		shape[2] != c {
		return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "gram gradient %v for features %v",
			shape, features.Shape())
	}

	hw := h * w
	out := cvlab.NewTensor(b, h, w, c)
	values, grads, gg := features.Values(), out.Values(), gradGram.Values()
	for n := 0; n < b; n++ {
		f := mat.NewDense(hw, c, values[n*hw*c:(n+1)*hw*c])
		s := mat.NewDense(c, c, gg[n*c*c:(n+1)*c*c])

		var sym mat.Dense
		sym.Add(s, s.T())

		d := mat.NewDense(hw, c, grads[n*hw*c:(n+1)*hw*c])
		d.Mul(f, &sym)
		d.Scale(1/float64(hw), d)
	}
	return out, nil
}
