package detect

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sensorable/cvlab"
)

// Role tags a detector variable with the part of the network it belongs to.
type Role int

const (
	RoleBackbone Role = iota
	RoleBoxHead
	RoleClassHead
)

func (r Role) String() string {
	switch r {
	case RoleBackbone:
		return "backbone"
	case RoleBoxHead:
		return "box_head"
	case RoleClassHead:
		return "class_head"
	}
	return "unknown"
}

// Variable is a named trainable parameter of the detector.
type Variable struct {
	Name  string
	Role  Role
	Value *cvlab.Tensor
}

// Variable name scopes.
const (
	BackboneScope  = "FeatureExtractor/GridProjection"
	BoxHeadScope   = "WeightSharedConvolutionalBoxPredictor/WeightSharedConvolutionalBoxHead"
	ClassHeadScope = "WeightSharedConvolutionalBoxPredictor/WeightSharedConvolutionalClassHead"
)

// DefaultTrainPrefixes selects both prediction heads.
var DefaultTrainPrefixes = []string{BoxHeadScope, ClassHeadScope}

// DetectorConfig configures NewDetector.
type DetectorConfig struct {
	Grid   int // The image is average-pooled to a Grid x Grid RGB grid.
	Hidden int // Size of the backbone projection.
	Seed   int64
}

// DefaultDetectorConfig returns a configuration for small images.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{Grid: 8, Hidden: 64, Seed: 1}
}

// Detector predicts one scored box per class.
//
// The backbone pools the image to a grid of mean colours and projects it with a ReLU layer. The
// box head predicts the box center and size of every class through sigmoids; the class head
// predicts an independent sigmoid score per class.
type Detector struct {
	labels         *LabelMap
	grid, hidden   int
	vars           []*Variable
	proj, projBias *Variable
	box, boxBias   *Variable
	cls, clsBias   *Variable
}

// NewDetector returns a detector for the classes in labels with randomly initialised variables.
func NewDetector(labels *LabelMap, cfg DetectorConfig) (*Detector, error) {
	if labels.Len() == 0 {
		return nil, errors.Wrap(cvlab.ErrInvalidConfig, "empty label map")
	}
	if cfg.Grid <= 0 || cfg.Hidden <= 0 {
		return nil, errors.Wrapf(cvlab.ErrInvalidConfig, "invalid detector config %+v", cfg)
	}

	d := &Detector{labels: labels, grid: cfg.Grid, hidden: cfg.Hidden}
	rng := rand.New(rand.NewSource(cfg.Seed))
	numFeatures := 3 * cfg.Grid * cfg.Grid
	k := labels.Len()

	add := func(name string, role Role, std float64, shape ...int) *Variable {
		v := &Variable{Name: name, Role: role, Value: cvlab.NewTensor(shape...)}
		for i := range v.Value.Values() {
			v.Value.Values()[i] = std * rng.NormFloat64()
		}
		d.vars = append(d.vars, v)
		return v
	}
	d.proj = add(BackboneScope+"/weights", RoleBackbone, math.Sqrt(2/float64(numFeatures)),
		cfg.Hidden, numFeatures)
	d.projBias = add(BackboneScope+"/biases", RoleBackbone, 0, cfg.Hidden)
	d.box = add(BoxHeadScope+"/BoxPredictor/weights", RoleBoxHead, 0.01, 4*k, cfg.Hidden)
	d.boxBias = add(BoxHeadScope+"/BoxPredictor/biases", RoleBoxHead, 0, 4*k)
	d.cls = add(ClassHeadScope+"/ClassPredictor/weights", RoleClassHead, 0.01, k, cfg.Hidden)
	d.clsBias = add(ClassHeadScope+"/ClassPredictor/biases", RoleClassHead, 0, k)

	// Prior probability 0.01 for every class.
	for i := range d.clsBias.Value.Values() {
		d.clsBias.Value.Values()[i] = -math.Log((1 - 0.01) / 0.01)
	}
	return d, nil
}

// Variables returns all variables in network order.
func (d *Detector) Variables() []*Variable {
	return append([]*Variable(nil), d.vars...)
}

// Labels returns the label map of the detector.
func (d *Detector) Labels() *LabelMap {
	return d.labels
}

// activations of a single forward pass.
type activations struct {
	features []float64 // Pooled grid.
	pre      []float64 // Projection before the ReLU.
	hidden   []float64
	box      []float64 // Box head logits, 4 per class: center y, center x, height, width.
	cls      []float64 // Class head logits.
}

// denseOf wraps row-major values of a 2-D shape without copying.
func denseOf(values []float64, shape []int) *mat.Dense {
	return mat.NewDense(shape[0], shape[1], values)
}

func matrix(v *Variable) *mat.Dense {
	return denseOf(v.Value.Values(), v.Value.Shape())
}

// forward runs img, a (height, width, 3) tensor in [0,1], through the network.
func (d *Detector) forward(img *cvlab.Tensor) (*activations, error) {
	features, err := poolGrid(img, d.grid)
	if err != nil {
		return nil, err
	}

	a := &activations{features: features}
	a.pre = make([]float64, d.hidden)
	pre := mat.NewVecDense(d.hidden, a.pre)
	pre.MulVec(matrix(d.proj), mat.NewVecDense(len(features), features))
	pre.AddVec(pre, mat.NewVecDense(d.hidden, d.projBias.Value.Values()))

	a.hidden = make([]float64, d.hidden)
	for i, v := range a.pre {
		if v > 0 {
			a.hidden[i] = v
		}
	}
	hidden := mat.NewVecDense(d.hidden, a.hidden)

	k := d.labels.Len()
	a.box = make([]float64, 4*k)
	box := mat.NewVecDense(4*k, a.box)
	box.MulVec(matrix(d.box), hidden)
	box.AddVec(box, mat.NewVecDense(4*k, d.boxBias.Value.Values()))

	a.cls = make([]float64, k)
	cls := mat.NewVecDense(k, a.cls)
	cls.MulVec(matrix(d.cls), hidden)
	cls.AddVec(cls, mat.NewVecDense(k, d.clsBias.Value.Values()))

	if err := cvlab.CheckFinite("box logits", a.box); err != nil {
		return nil, err
	}
	return a, cvlab.CheckFinite("class logits", a.cls)
}

// poolGrid averages each colour channel of img over a grid x grid partition and centers the
// result around zero.
func poolGrid(img *cvlab.Tensor, grid int) ([]float64, error) {
	shape := img.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "expected an image tensor (h, w, 3), got %v",
			shape)
	}
	h, w := shape[0], shape[1]
	if h < grid || w < grid {
		return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "image %dx%d smaller than the %d grid", w, h,
			grid)
	}
	if err := img.CheckFinite("input image"); err != nil {
		return nil, err
	}

	values := img.Values()
	features := make([]float64, 3*grid*grid)
	for gy := 0; gy < grid; gy++ {
		y0, y1 := gy*h/grid, (gy+1)*h/grid
		for gx := 0; gx < grid; gx++ {
			x0, x1 := gx*w/grid, (gx+1)*w/grid
			f := features[(gy*grid+gx)*3 : (gy*grid+gx+1)*3]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					p := values[(y*w+x)*3:]
					f[0] += p[0]
					f[1] += p[1]
					f[2] += p[2]
				}
			}
			n := float64((y1 - y0) * (x1 - x0))
			for c := range f {
				f[c] = f[c]/n - 0.5
			}
		}
	}
	return features, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// decodeBox converts the four box logits of a class to a normalised box.
func decodeBox(logits []float64) Box {
	cy, cx := sigmoid(logits[0]), sigmoid(logits[1])
	h, w := sigmoid(logits[2]), sigmoid(logits[3])
	clamp := func(v float64) float64 {
		return math.Min(1, math.Max(0, v))
	}
	return Box{
		YMin: clamp(cy - h/2),
		XMin: clamp(cx - w/2),
		YMax: clamp(cy + h/2),
		XMax: clamp(cx + w/2),
	}
}

// encodeBox is the target of the four sigmoid box outputs for b.
func encodeBox(b Box) [4]float64 {
	cy, cx := b.Center()
	return [4]float64{cy, cx, b.Height(), b.Width()}
}

// Detection is a scored box of one class.
type Detection struct {
	Class int // The class ID in the label map.
	Label string
	Box   Box
	Score float64
}

// Detect returns one detection per class, sorted by decreasing score.
func (d *Detector) Detect(img *cvlab.Tensor) ([]Detection, error) {
	a, err := d.forward(img)
	if err != nil {
		return nil, err
	}

	detections := make([]Detection, d.labels.Len())
	for i := range detections {
		detections[i] = Detection{
			Class: i + 1,
			Label: d.labels.Name(i + 1),
			Box:   decodeBox(a.box[4*i : 4*i+4]),
			Score: sigmoid(a.cls[i]),
		}
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})
	return detections, nil
}
