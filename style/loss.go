package style

import (
	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Names of the loss components.
const (
	StyleTerm   = "style"
	ContentTerm = "content"
)

// StyleLoss is the mean of the squared element-wise differences between two Gram matrices.
func StyleLoss(gram, target *cvlab.Tensor) (float64, error) {
	if err := gram.CheckShape("style loss", target); err != nil {
		return 0, err
	}
	g, t := gram.Values(), target.Values()
	var sum float64
	for i, v := range g {
		d := v - t[i]
		sum += d * d
	}
	loss := sum / float64(len(g))
	return loss, cvlab.CheckFiniteScalar("style loss", loss)
}

// ContentLoss is the sum of the squared element-wise differences between two feature maps.
func ContentLoss(features, target *cvlab.Tensor) (float64, error) {
	if err := features.CheckShape("content loss", target); err != nil {
		return 0, err
	}
	f, t := features.Values(), target.Values()
	var sum float64
	for i, v := range f {
		d := v - t[i]
		sum += d * d
	}
	return sum, cvlab.CheckFiniteScalar("content loss", sum)
}

// LossConfig selects the layers and weights of the total loss.
type LossConfig struct {
	StyleLayers   []string
	ContentLayers []string
	StyleWeight   float64
	ContentWeight float64
}

func (c LossConfig) validate() error {
	if len(c.StyleLayers) == 0 || len(c.ContentLayers) == 0 {
		return errors.Wrap(cvlab.ErrInvalidConfig, "at least one style and one content layer required")
	}
	return nil
}

// Targets holds the precomputed style Gram matrices and content feature maps by layer.
type Targets struct {
	Style   map[string]*cvlab.Tensor
	Content map[string]*cvlab.Tensor
}

// FeatureSource returns the feature map of a named layer.
type FeatureSource interface {
	Feature(layer string) (*cvlab.Tensor, error)
}

// NewTargets extracts the style targets from styleFeatures and the content targets from
// contentFeatures. The returned tensors do not share memory with the sources.
func NewTargets(styleFeatures, contentFeatures FeatureSource, cfg LossConfig) (Targets, error) {
	if err := cfg.validate(); err != nil {
		return Targets{}, err
	}

	t := Targets{
		Style:   make(map[string]*cvlab.Tensor, len(cfg.StyleLayers)),
		Content: make(map[string]*cvlab.Tensor, len(cfg.ContentLayers)),
	}
	for _, layer := range cfg.StyleLayers {
		f, err := styleFeatures.Feature(layer)
		if err != nil {
			return Targets{}, err
		}
		if t.Style[layer], err = Gram(f); err != nil {
			return Targets{}, errors.Wrapf(err, "style target %q", layer)
		}
	}
	for _, layer := range cfg.ContentLayers {
		f, err := contentFeatures.Feature(layer)
		if err != nil {
			return Targets{}, err
		}
		if err := f.CheckFinite("content target " + layer); err != nil {
			return Targets{}, err
		}
		t.Content[layer] = f.Clone()
	}
	return t, nil
}

// TotalLoss computes
//
//	StyleWeight * sum(style losses) / len(StyleLayers) +
//	ContentWeight * sum(content losses) / len(ContentLayers)
//
// for the features of the generated image.
func TotalLoss(features FeatureSource, targets Targets, cfg LossConfig) (cvlab.Loss, error) {
	loss, _, err := totalLoss(features, targets, cfg, false)
	return loss, err
}

// TotalLossGrad is TotalLoss that also returns the gradient of the total with respect to the
// feature map of every style and content layer.
func TotalLossGrad(features FeatureSource, targets Targets, cfg LossConfig) (
	cvlab.Loss, map[string]*cvlab.Tensor, error) {

	return totalLoss(features, targets, cfg, true)
}

func totalLoss(features FeatureSource, targets Targets, cfg LossConfig, withGrad bool) (
	cvlab.Loss, map[string]*cvlab.Tensor, error) {

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	var grads map[string]*cvlab.Tensor
	if withGrad {
		grads = make(map[string]*cvlab.Tensor, len(cfg.StyleLayers)+len(cfg.ContentLayers))
	}
	addGrad := func(layer string, g *cvlab.Tensor) {
		if prev, ok := grads[layer]; ok {
			pv := prev.Values()
			for i, v := range g.Values() {
				pv[i] += v
			}
			return
		}
		grads[layer] = g
	}

	var styleSum float64
	styleScale := cfg.StyleWeight / float64(len(cfg.StyleLayers))
	for _, layer := range cfg.StyleLayers {
		target, ok := targets.Style[layer]
		if !ok {
			return nil, nil, errors.Errorf("no style target for layer %q", layer)
		}
		f, err := features.Feature(layer)
		if err != nil {
			return nil, nil, err
		}
		gram, err := Gram(f)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "style layer %q", layer)
		}
		l, err := StyleLoss(gram, target)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "style layer %q", layer)
		}
		styleSum += l

		if withGrad {
			// d(mean((G-A)^2))/dG = 2(G-A)/N
			gradGram := cvlab.NewTensor(gram.Shape()...)
			gv, tv, dv := gram.Values(), target.Values(), gradGram.Values()
			scale := styleScale * 2 / float64(len(gv))
			for i := range dv {
				dv[i] = scale * (gv[i] - tv[i])
			}
			g, err := gramBackward(f, gradGram)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "style layer %q", layer)
			}
			addGrad(layer, g)
		}
	}

	var contentSum float64
	contentScale := cfg.ContentWeight / float64(len(cfg.ContentLayers))
	for _, layer := range cfg.ContentLayers {
		target, ok := targets.Content[layer]
		if !ok {
			return nil, nil, errors.Errorf("no content target for layer %q", layer)
		}
		f, err := features.Feature(layer)
		if err != nil {
			return nil, nil, err
		}
		l, err := ContentLoss(f, target)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "content layer %q", layer)
		}
		contentSum += l

		if withGrad {
			g := cvlab.NewTensor(f.Shape()...)
			fv, tv, dv := f.Values(), target.Values(), g.Values()
			for i := range dv {
				dv[i] = contentScale * 2 * (fv[i] - tv[i])
			}
			addGrad(layer, g)
		}
	}

	loss := cvlab.Loss{
		{Name: StyleTerm, Value: styleSum / float64(len(cfg.StyleLayers)), Weight: cfg.StyleWeight},
		{Name: ContentTerm, Value: contentSum / float64(len(cfg.ContentLayers)),
			Weight: cfg.ContentWeight},
	}
	if err := loss.CheckFinite(); err != nil {
		return nil, nil, err
	}
	if withGrad {
		for layer, g := range grads {
			if err := g.CheckFinite("gradient of " + layer); err != nil {
				return nil, nil, err
			}
		}
	}
	return loss, grads, nil
}
