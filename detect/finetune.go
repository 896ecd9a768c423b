package detect

import (
	"context"
	"log"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sensorable/cvlab"
)

// Names of the loss components.
const (
	LocalizationTerm   = "localization"
	ClassificationTerm = "classification"
)

// FineTuneConfig configures FineTune.
type FineTuneConfig struct {
	// The variables to train. TrainRoles takes precedence over TrainPrefixes.
	TrainRoles    []Role
	TrainPrefixes []string

	Steps        int
	BatchSize    int
	LearningRate float64
	Momentum     float64

	LocalizationWeight   float64
	ClassificationWeight float64
	HuberDelta           float64

	ImageSize int // Longer image side used for training; 0 keeps the size.
	Seed      int64

	Recorder cvlab.LossRecorder // Receives the loss of every step; may be nil.
}

// DefaultFineTuneConfig trains both heads with the few-shot recipe: 100 steps of batch size 4,
// SGD with learning rate 0.01 and momentum 0.9.
func DefaultFineTuneConfig() FineTuneConfig {
	return FineTuneConfig{
		TrainRoles:           []Role{RoleBoxHead, RoleClassHead},
		Steps:                100,
		BatchSize:            4,
		LearningRate:         0.01,
		Momentum:             0.9,
		LocalizationWeight:   1,
		ClassificationWeight: 1,
		HuberDelta:           1,
		ImageSize:            320,
		Seed:                 1,
	}
}

func (c FineTuneConfig) validate() error {
	switch {
	case c.Steps <= 0 || c.BatchSize <= 0:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid steps %d or batch size %d", c.Steps,
			c.BatchSize)
	case c.LearningRate <= 0 || c.Momentum < 0 || c.Momentum >= 1:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid learning rate %v or momentum %v",
			c.LearningRate, c.Momentum)
	case c.LocalizationWeight < 0 || c.ClassificationWeight < 0 || c.HuberDelta <= 0:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid loss weights %v, %v or delta %v",
			c.LocalizationWeight, c.ClassificationWeight, c.HuberDelta)
	case len(c.TrainRoles) == 0 && len(c.TrainPrefixes) == 0:
		return errors.Wrap(cvlab.ErrInvalidConfig, "no trainable variables configured")
	}
	return nil
}

// TrainableVariables returns the variables of d selected by cfg.
func (c FineTuneConfig) TrainableVariables(d *Detector) ([]*Variable, error) {
	if len(c.TrainRoles) > 0 {
		return FilterByRole(d.Variables(), c.TrainRoles...)
	}
	return FilterByPrefix(d.Variables(), c.TrainPrefixes)
}

// trainExample is an Example with its image loaded.
type trainExample struct {
	img     *cvlab.Tensor
	boxes   []Box
	classes []int // Zero-based class index of each box.
	present []float64
}

func newTrainExample(e Example, img *cvlab.Tensor, numClasses int) (trainExample, error) {
	if len(e.Classes) != len(e.Boxes) {
		return trainExample{}, errors.Errorf("%q: %d class vectors for %d boxes, missing Encode?",
			e.ImagePath, len(e.Classes), len(e.Boxes))
	}

	t := trainExample{
		img:     img,
		boxes:   make([]Box, len(e.Boxes)),
		present: make([]float64, numClasses),
	}
	for i, oneHot := range e.Classes {
		if len(oneHot) != numClasses {
			return trainExample{}, errors.Wrapf(cvlab.ErrShapeMismatch,
				"%q: class vector of length %d for %d classes", e.ImagePath, len(oneHot), numClasses)
		}
		k := 0
		for j, v := range oneHot {
			if v > oneHot[k] {
				k = j
			}
		}
		b, err := e.Boxes[i].Normalize()
		if err != nil {
			return trainExample{}, errors.Wrapf(err, "%q box %d", e.ImagePath, i)
		}
		t.boxes[i] = b
		t.classes = append(t.classes, k)
		t.present[k] = 1
	}
	return t, nil
}

// FineTuneResult is the outcome of FineTune.
type FineTuneResult struct {
	Trained []*Variable // The variables that were updated.
	Loss    cvlab.Loss  // The loss of the last step, before its update.
	Steps   int
}

// FineTune trains the variables of d selected by cfg on the examples, leaving all others
// frozen. Each step draws a batch from a shuffled copy of the examples and applies one SGD update
// with momentum to the selected variables only. The loss is
//
//	LocalizationWeight * Huber(box) + ClassificationWeight * sigmoid cross-entropy(classes)
//
// where the Huber loss is averaged over the boxes of the batch and the cross-entropy over its
// examples.
//
// An empty variable selection fails with ErrNoVariables and a non-finite loss or gradient with
// ErrNonFinite. Cancelling ctx stops training between steps and returns ctx.Err().
func FineTune(ctx context.Context, d *Detector, examples []Example, cfg FineTuneConfig) (
	*FineTuneResult, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	trainable, err := cfg.TrainableVariables(d)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, errors.New("no training examples")
	}

	data := make([]trainExample, 0, len(examples))
	for _, e := range examples {
		img, err := cvlab.LoadImageTensor(e.ImagePath, cfg.ImageSize)
		if err != nil {
			return nil, err
		}
		t, err := newTrainExample(e, img, d.labels.Len())
		if err != nil {
			return nil, err
		}
		data = append(data, t)
	}

	return fineTune(ctx, d, data, trainable, cfg)
}

func fineTune(ctx context.Context, d *Detector, data []trainExample, trainable []*Variable,
	cfg FineTuneConfig) (*FineTuneResult, error) {

	log.Printf("Fine-tuning %d of %d variables on %d examples", len(trainable), len(d.vars),
		len(data))
	for _, v := range trainable {
		log.Printf("  %s (%s) %v", v.Name, v.Role, v.Value.Shape())
	}

	velocity := make(map[*Variable][]float64, len(trainable))
	for _, v := range trainable {
		velocity[v] = make([]float64, v.Value.Len())
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(data))
	for i := range order {
		order[i] = i
	}
	batch := make([]trainExample, 0, cfg.BatchSize)

	res := &FineTuneResult{Trained: trainable}
	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		batch = batch[:0]
		for i := 0; i < cfg.BatchSize && i < len(order); i++ {
			batch = append(batch, data[order[i]])
		}

		loss, grads, err := d.lossAndGradients(batch, trainable, cfg)
		if err != nil {
			return res, errors.Wrapf(err, "step %d", step)
		}

		// SGD with momentum: v = momentum*v - lr*g; w += v.
		for _, v := range trainable {
			vel, g, w := velocity[v], grads[v], v.Value.Values()
			for i := range w {
				vel[i] = cfg.Momentum*vel[i] - cfg.LearningRate*g[i]
				w[i] += vel[i]
			}
		}
		res.Loss = loss
		res.Steps = step

		if cfg.Recorder != nil {
			if err := cfg.Recorder.RecordLoss(step, loss); err != nil {
				return res, errors.Wrap(err, "failed to record the loss")
			}
		}
		if step%10 == 0 || step == cfg.Steps {
			log.Printf("Batch %d of %d, loss=%.6g", step, cfg.Steps, loss.Total())
		}
	}

	return res, nil
}

func huber(r, delta float64) float64 {
	if a := math.Abs(r); a > delta {
		return delta * (a - delta/2)
	}
	return r * r / 2
}

func huberGrad(r, delta float64) float64 {
	if r > delta {
		return delta
	} else if r < -delta {
		return -delta
	}
	return r
}

// sigmoidCrossEntropy is the numerically stable cross-entropy of the logit z for target t.
func sigmoidCrossEntropy(z, t float64) float64 {
	return math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
}

// lossAndGradients returns the batch loss and its gradient with respect to each variable in
// wanted. The backbone gradient is only computed if a backbone variable is wanted.
func (d *Detector) lossAndGradients(batch []trainExample, wanted []*Variable,
	cfg FineTuneConfig) (cvlab.Loss, map[*Variable][]float64, error) {

	k := d.labels.Len()
	grads := make(map[*Variable][]float64, len(d.vars))
	for _, v := range d.vars {
		grads[v] = make([]float64, v.Value.Len())
	}
	needBackbone := false
	for _, v := range wanted {
		needBackbone = needBackbone || v.Role == RoleBackbone
	}

	numBoxes := 0
	for _, e := range batch {
		numBoxes += len(e.boxes)
	}
	locScale := 0.0
	if numBoxes > 0 {
		locScale = cfg.LocalizationWeight / float64(numBoxes)
	}
	clsScale := cfg.ClassificationWeight / float64(len(batch))

	gBox := denseOf(grads[d.box], d.box.Value.Shape())
	gCls := denseOf(grads[d.cls], d.cls.Value.Shape())
	gProj := denseOf(grads[d.proj], d.proj.Value.Shape())
	gBoxBias := mat.NewVecDense(4*k, grads[d.boxBias])
	gClsBias := mat.NewVecDense(k, grads[d.clsBias])
	gProjBias := mat.NewVecDense(d.hidden, grads[d.projBias])

	var locSum, clsSum float64
	for _, e := range batch {
		a, err := d.forward(e.img)
		if err != nil {
			return nil, nil, err
		}

		// Box head.
		dBox := make([]float64, 4*k)
		for i, b := range e.boxes {
			c := e.classes[i]
			target := encodeBox(b)
			for m := 0; m < 4; m++ {
				p := sigmoid(a.box[4*c+m])
				r := p - target[m]
				locSum += huber(r, cfg.HuberDelta)
				dBox[4*c+m] += locScale * huberGrad(r, cfg.HuberDelta) * p * (1 - p)
			}
		}

		// Class head.
		dCls := make([]float64, k)
		for c := 0; c < k; c++ {
			clsSum += sigmoidCrossEntropy(a.cls[c], e.present[c])
			dCls[c] = clsScale * (sigmoid(a.cls[c]) - e.present[c])
		}

		hidden := mat.NewVecDense(d.hidden, a.hidden)
		dBoxVec := mat.NewVecDense(4*k, dBox)
		dClsVec := mat.NewVecDense(k, dCls)
		gBox.RankOne(gBox, 1, dBoxVec, hidden)
		gBoxBias.AddVec(gBoxBias, dBoxVec)
		gCls.RankOne(gCls, 1, dClsVec, hidden)
		gClsBias.AddVec(gClsBias, dClsVec)

		if needBackbone {
			var dHidden, fromCls mat.VecDense
			dHidden.MulVec(matrix(d.box).T(), dBoxVec)
			fromCls.MulVec(matrix(d.cls).T(), dClsVec)
			dHidden.AddVec(&dHidden, &fromCls)
			for i, v := range a.pre {
				if v <= 0 {
					dHidden.SetVec(i, 0)
				}
			}
			gProj.RankOne(gProj, 1, &dHidden, mat.NewVecDense(len(a.features), a.features))
			gProjBias.AddVec(gProjBias, &dHidden)
		}
	}

	var locLoss float64
	if numBoxes > 0 {
		locLoss = locSum / float64(numBoxes)
	}
	loss := cvlab.Loss{
		{Name: LocalizationTerm, Value: locLoss, Weight: cfg.LocalizationWeight},
		{Name: ClassificationTerm, Value: clsSum / float64(len(batch)),
			Weight: cfg.ClassificationWeight},
	}
	if err := loss.CheckFinite(); err != nil {
		return nil, nil, err
	}

	selected := make(map[*Variable][]float64, len(wanted))
	for _, v := range wanted {
		if err := cvlab.CheckFinite("gradient of "+v.Name, grads[v]); err != nil {
			return nil, nil, err
		}
		selected[v] = grads[v]
	}
	return loss, selected, nil
}
