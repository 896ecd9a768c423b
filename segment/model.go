package segment

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Model maps an image to per-pixel class logits.
type Model interface {
	// Logits returns a (height, width, NumClasses()) tensor for a (height, width, 3) image.
	Logits(img *cvlab.Tensor) (*cvlab.Tensor, error)
	NumClasses() int
}

// Trainable is a Model that can learn from labelled samples.
type Trainable interface {
	Model
	// TrainStep applies one gradient descent update for the batch and returns the mean pixel-wise
	// cross-entropy before the update.
	TrainStep(batch []Sample, learningRate float64) (float64, error)
}

// Predict returns the arg-max class of every pixel.
func Predict(m Model, img *cvlab.Tensor) (*cvlab.Mask, error) {
	logits, err := m.Logits(img)
	if err != nil {
		return nil, err
	}
	shape := logits.Shape()
	h, w, k := shape[0], shape[1], shape[2]

	mask := cvlab.NewMask(h, w)
	values := logits.Values()
	for i := range mask.Labels {
		row := values[i*k : (i+1)*k]
		best := 0
		for c := 1; c < k; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		mask.Labels[i] = best
	}
	return mask, nil
}

// patchRadius is the neighbourhood radius of PatchClassifier features.
const patchRadius = 1

// numPatchFeatures is the feature count per pixel: a (2r+1)^2 RGB patch plus a bias input.
const numPatchFeatures = (2*patchRadius+1)*(2*patchRadius+1)*3 + 1

// PatchClassifier is a per-pixel softmax regression over the zero-padded 3x3 RGB neighbourhood
// of each pixel. It is small enough to train on a CPU in seconds and serves as the baseline
// segmentation model.
type PatchClassifier struct {
	numClasses int
	weights    []float64 // numClasses x numPatchFeatures, row-major.
}

// NewPatchClassifier returns a classifier with small random weights drawn from rng.
func NewPatchClassifier(numClasses int, rng *rand.Rand) *PatchClassifier {
	weights := make([]float64, numClasses*numPatchFeatures)
	for i := range weights {
		weights[i] = 0.01 * rng.NormFloat64()
	}
	return &PatchClassifier{numClasses: numClasses, weights: weights}
}

// NumClasses implements Model.
func (m *PatchClassifier) NumClasses() int {
	return m.numClasses
}

// Weights returns the parameter vector.
func (m *PatchClassifier) Weights() []float64 {
	return m.weights
}

// patchFeatures writes the patch features of pixel (x, y) into f.
func patchFeatures(values []float64, h, w, x, y int, f []float64) {
	i := 0
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			px, py := x+dx, y+dy
			if px < 0 || px >= w || py < 0 || py >= h {
				f[i], f[i+1], f[i+2] = 0, 0, 0
			} else {
				j := (py*w + px) * 3
				f[i], f[i+1], f[i+2] = values[j], values[j+1], values[j+2]
			}
			i += 3
		}
	}
	f[i] = 1
}

func checkImage(img *cvlab.Tensor) (h, w int, err error) {
	shape := img.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return 0, 0, errors.Wrapf(cvlab.ErrShapeMismatch,
			"expected an image tensor (h, w, 3), got %v", shape)
	}
	return shape[0], shape[1], nil
}

// Logits implements Model.
func (m *PatchClassifier) Logits(img *cvlab.Tensor) (*cvlab.Tensor, error) {
	h, w, err := checkImage(img)
	if err != nil {
		return nil, err
	}

	out := cvlab.NewTensor(h, w, m.numClasses)
	values, logits := img.Values(), out.Values()
	f := make([]float64, numPatchFeatures)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			patchFeatures(values, h, w, x, y, f)
			row := logits[(y*w+x)*m.numClasses : (y*w+x+1)*m.numClasses]
			for c := range row {
				row[c] = dot(m.weights[c*numPatchFeatures:(c+1)*numPatchFeatures], f)
			}
		}
	}
	return out, nil
}

// TrainStep implements Trainable.
func (m *PatchClassifier) TrainStep(batch []Sample, learningRate float64) (float64, error) {
	if len(batch) == 0 {
		return 0, errors.Wrap(cvlab.ErrInvalidConfig, "empty training batch")
	}

	grad := make([]float64, len(m.weights))
	f := make([]float64, numPatchFeatures)
	probs := make([]float64, m.numClasses)
	var loss float64
	var numPixels int

	for _, s := range batch {
		h, w, err := checkImage(s.Image)
		if err != nil {
			return 0, errors.Wrapf(err, "sample %q", s.Name)
		}
		if s.Mask.Height != h || s.Mask.Width != w {
			return 0, errors.Wrapf(cvlab.ErrShapeMismatch, "sample %q: image %dx%d, mask %dx%d",
				s.Name, w, h, s.Mask.Width, s.Mask.Height)
		}

		values := s.Image.Values()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				label := s.Mask.At(x, y)
				if label < 0 || label >= m.numClasses {
					return 0, errors.Errorf("sample %q: label %d outside [0, %d)", s.Name, label,
						m.numClasses)
				}

				patchFeatures(values, h, w, x, y, f)
				for c := range probs {
					probs[c] = dot(m.weights[c*numPatchFeatures:(c+1)*numPatchFeatures], f)
				}
				softmax(probs)
				loss -= math.Log(math.Max(probs[label], 1e-12))

				// d(cross-entropy)/d(logit_c) = p_c - [c == label]
				for c, p := range probs {
					if c == label {
						p--
					}
					g := grad[c*numPatchFeatures : (c+1)*numPatchFeatures]
					for j, v := range f {
						g[j] += p * v
					}
				}
				numPixels++
			}
		}
	}

	n := float64(numPixels)
	loss /= n
	if err := cvlab.CheckFinite("segmentation gradient", grad); err != nil {
		return loss, err
	}
	for i := range m.weights {
		m.weights[i] -= learningRate * grad[i] / n
	}
	return loss, nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// softmax replaces v with its softmax, in place.
func softmax(v []float64) {
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - max)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
