// Package style implements neural style transfer: a frozen convolutional feature extractor,
// Gram-matrix style and feature-map content losses, and an Adam optimisation of the generated
// image.
package style

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Config configures Transfer.
type Config struct {
	LossConfig

	Epochs        int
	StepsPerEpoch int

	// Adam parameters.
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	// Valid pixel range; the image is clipped to it after every step.
	ClipMin float64
	ClipMax float64

	Recorder cvlab.LossRecorder // Receives the loss of every step; may be nil.
	// OnEpoch is called with the current image after every epoch; may be nil. The image must not
	// be modified.
	OnEpoch func(epoch int, img *cvlab.Tensor) error
}

// DefaultConfig returns the loss weights and optimizer settings of the classic TensorFlow style
// transfer recipe, with the layer selection of DefaultBlocks.
func DefaultConfig() Config {
	return Config{
		LossConfig: LossConfig{
			StyleLayers:   DefaultStyleLayers,
			ContentLayers: DefaultContentLayers,
			StyleWeight:   1e-2,
			ContentWeight: 1e4,
		},
		Epochs:        10,
		StepsPerEpoch: 100,
		LearningRate:  0.02,
		Beta1:         0.99,
		Beta2:         0.999,
		Epsilon:       1e-1,
		ClipMin:       0,
		ClipMax:       1,
	}
}

func (c Config) validate() error {
	if err := c.LossConfig.validate(); err != nil {
		return err
	}
	switch {
	case c.Epochs <= 0 || c.StepsPerEpoch <= 0:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid iteration budget %d x %d", c.Epochs,
			c.StepsPerEpoch)
	case c.LearningRate <= 0:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid learning rate %v", c.LearningRate)
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 || c.Epsilon <= 0:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid Adam parameters %v, %v, %v", c.Beta1,
			c.Beta2, c.Epsilon)
	case c.ClipMin >= c.ClipMax:
		return errors.Wrapf(cvlab.ErrInvalidConfig, "invalid clip range [%v, %v]", c.ClipMin,
			c.ClipMax)
	}
	return nil
}

// Result is the outcome of Transfer.
type Result struct {
	Image *cvlab.Tensor // The generated image after the last step.
	Loss  cvlab.Loss    // The loss at the last step, before its update.
	Steps int
}

// Transfer renders content in the style of styleImg. The generated image starts as a copy of
// content and is updated by Adam for exactly Epochs*StepsPerEpoch steps, each followed by clipping
// to [ClipMin, ClipMax].
//
// A non-finite loss, gradient or image aborts with an ErrNonFinite error. Cancelling ctx stops
// the optimisation between steps; the partial result is returned along with ctx.Err().
func Transfer(ctx context.Context, ex Extractor, content, styleImg *cvlab.Tensor, cfg Config) (
	*Result, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	contentPass, err := ex.Forward(content)
	if err != nil {
		return nil, errors.Wrap(err, "content image")
	}
	stylePass, err := ex.Forward(styleImg)
	if err != nil {
		return nil, errors.Wrap(err, "style image")
	}
	targets, err := NewTargets(stylePass, contentPass, cfg.LossConfig)
	if err != nil {
		return nil, err
	}

	img := content.Clone()
	img.Clip(cfg.ClipMin, cfg.ClipMax)
	opt := newAdam(img.Len(), cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Epsilon)

	res := &Result{Image: img}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		for i := 0; i < cfg.StepsPerEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			step := res.Steps + 1
			loss, err := transferStep(ex, img, targets, cfg, opt)
			if err != nil {
				return res, errors.Wrapf(err, "step %d", step)
			}
			res.Loss = loss
			res.Steps = step

			if cfg.Recorder != nil {
				if err := cfg.Recorder.RecordLoss(step, loss); err != nil {
					return res, errors.Wrap(err, "failed to record the loss")
				}
			}
		}

		log.Printf("Epoch %d/%d: loss %.6g (style %.6g, content %.6g)", epoch, cfg.Epochs,
			res.Loss.Total(), res.Loss[0].Weighted(), res.Loss[1].Weighted())
		if cfg.OnEpoch != nil {
			if err := cfg.OnEpoch(epoch, img); err != nil {
				return res, err
			}
		}
	}

	return res, nil
}

// transferStep computes the loss for img, applies one optimizer update and clips img.
func transferStep(ex Extractor, img *cvlab.Tensor, targets Targets, cfg Config, opt *adam) (
	cvlab.Loss, error) {

	pass, err := ex.Forward(img)
	if err != nil {
		return nil, err
	}
	loss, featureGrads, err := TotalLossGrad(pass, targets, cfg.LossConfig)
	if err != nil {
		return nil, err
	}
	grad, err := pass.Backward(featureGrads)
	if err != nil {
		return nil, err
	}
	if err := grad.CheckShape("image gradient", img); err != nil {
		return nil, err
	}
	if err := grad.CheckFinite("image gradient"); err != nil {
		return nil, err
	}

	opt.update(img.Values(), grad.Values())
	img.Clip(cfg.ClipMin, cfg.ClipMax)
	if err := img.CheckFinite("generated image"); err != nil {
		return nil, err
	}
	return loss, nil
}
