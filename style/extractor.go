package style

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Extractor is a frozen feature extractor that can differentiate its features with respect to
// the input image.
type Extractor interface {
	// Forward runs a (height, width, 3) image with values in [0,1] through the network.
	Forward(img *cvlab.Tensor) (Pass, error)
}

// Pass is the result of one forward pass.
type Pass interface {
	FeatureSource
	// Backward returns the gradient with respect to the input image, given the gradients with
	// respect to the feature maps of some layers.
	Backward(grads map[string]*cvlab.Tensor) (*cvlab.Tensor, error)
}

// ImageNet channel means (RGB) on the 0-255 scale, subtracted from the input like VGG does.
var vggMeans = [3]float64{123.68, 116.779, 103.939}

// BlockSpec describes a block of 3x3 convolutions that share the channel count. Every block
// except the first begins with a 2x2 average pooling.
type BlockSpec struct {
	Convs    int
	Channels int
}

// DefaultBlocks is a reduced VGG layout that runs on a CPU.
var DefaultBlocks = []BlockSpec{{2, 8}, {2, 16}, {2, 32}}

// Default layer selection for DefaultBlocks.
var (
	DefaultStyleLayers   = []string{"block1_conv1", "block2_conv1", "block3_conv1"}
	DefaultContentLayers = []string{"block3_conv2"}
)

type convLayer struct {
	name       string
	inC, outC  int
	weights    []float64 // [out][ky][kx][in]
	bias       []float64
	poolBefore bool
}

// ConvExtractor is a VGG-style stack of same-padded 3x3 convolutions with ReLU activations.
// Convolution outputs are named block<b>_conv<i>, both counted from 1. Its weights never change.
type ConvExtractor struct {
	layers []convLayer
	index  map[string]int
}

// NewConvExtractor builds the network described by blocks with He-initialised weights drawn
// from a generator seeded with seed.
func NewConvExtractor(blocks []BlockSpec, seed int64) (*ConvExtractor, error) {
	if len(blocks) == 0 {
		return nil, errors.Wrap(cvlab.ErrInvalidConfig, "no convolution blocks")
	}

	rng := rand.New(rand.NewSource(seed))
	e := &ConvExtractor{index: make(map[string]int)}
	inC := 3
	for b, spec := range blocks {
		if spec.Convs <= 0 || spec.Channels <= 0 {
			return nil, errors.Wrapf(cvlab.ErrInvalidConfig, "invalid block %d: %+v", b+1, spec)
		}
		for i := 0; i < spec.Convs; i++ {
			l := convLayer{
				name:       fmt.Sprintf("block%d_conv%d", b+1, i+1),
				inC:        inC,
				outC:       spec.Channels,
				weights:    make([]float64, spec.Channels*9*inC),
				bias:       make([]float64, spec.Channels),
				poolBefore: b > 0 && i == 0,
			}
			std := math.Sqrt(2 / float64(9*inC))
			for j := range l.weights {
				l.weights[j] = std * rng.NormFloat64()
			}

			e.index[l.name] = len(e.layers)
			e.layers = append(e.layers, l)
			inC = spec.Channels
		}
	}
	return e, nil
}

// Layers returns the names of all convolution outputs in network order.
func (e *ConvExtractor) Layers() []string {
	names := make([]string, len(e.layers))
	for i, l := range e.layers {
		names[i] = l.name
	}
	return names
}

// map3 is an unbatched (height, width, channels) activation.
type map3 struct {
	h, w, c int
	v       []float64
}

// convPass keeps the activations of a ConvExtractor forward pass.
type convPass struct {
	e      *ConvExtractor
	imgH   int
	imgW   int
	inputs []map3 // Input of each layer after pooling.
	outs   []map3 // ReLU output of each layer.
}

// Forward implements Extractor.
func (e *ConvExtractor) Forward(img *cvlab.Tensor) (Pass, error) {
	shape := img.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "expected an image tensor (h, w, 3), got %v",
			shape)
	}
	if err := img.CheckFinite("input image"); err != nil {
		return nil, err
	}

	p := &convPass{e: e, imgH: shape[0], imgW: shape[1]}
	x := map3{h: shape[0], w: shape[1], c: 3, v: make([]float64, img.Len())}
	for i, v := range img.Values() {
		x.v[i] = v*255 - vggMeans[i%3]
	}

	for _, l := range e.layers {
		if l.poolBefore {
			if x.h < 2 || x.w < 2 {
				return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "image too small for layer %s", l.name)
			}
			x = avgPool2(x)
		}
		out := conv3x3(x, l)
		for i, v := range out.v {
			if v < 0 {
				out.v[i] = 0
			}
		}
		p.inputs = append(p.inputs, x)
		p.outs = append(p.outs, out)
		x = out
	}
	return p, nil
}

// Feature implements FeatureSource. The returned (1, height, width, channels) tensor shares
// memory with the pass.
func (p *convPass) Feature(layer string) (*cvlab.Tensor, error) {
	i, ok := p.e.index[layer]
	if !ok {
		return nil, errors.Errorf("unknown layer %q", layer)
	}
	o := p.outs[i]
	return cvlab.TensorFrom(o.v, 1, o.h, o.w, o.c)
}

// Backward implements Pass.
func (p *convPass) Backward(grads map[string]*cvlab.Tensor) (*cvlab.Tensor, error) {
	deepest := -1
	for layer, g := range grads {
		i, ok := p.e.index[layer]
		if !ok {
			return nil, errors.Errorf("unknown layer %q", layer)
		}
		o := p.outs[i]
		if g.Len() != len(o.v) {
			return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "gradient %v for layer %s of %dx%dx%d",
				g.Shape(), layer, o.h, o.w, o.c)
		}
		if i > deepest {
			deepest = i
		}
	}

	img := cvlab.NewTensor(p.imgH, p.imgW, 3)
	if deepest < 0 {
		return img, nil
	}

	o := p.outs[deepest]
	g := map3{h: o.h, w: o.w, c: o.c, v: make([]float64, len(o.v))}
	for i := deepest; i >= 0; i-- {
		l := p.e.layers[i]
		if ext, ok := grads[l.name]; ok {
			for j, v := range ext.Values() {
				g.v[j] += v
			}
		}

		// ReLU.
		out := p.outs[i]
		for j, v := range out.v {
			if v <= 0 {
				g.v[j] = 0
			}
		}

		g = conv3x3BackwardInput(g, l, p.inputs[i])
		if l.poolBefore {
			prev := p.outs[i-1]
			g = avgPool2Backward(g, prev.h, prev.w)
		}
	}

	// Undo the input scaling.
	values := img.Values()
	for i, v := range g.v {
		values[i] = 255 * v
	}
	return img, nil
}

// conv3x3 is a same-padded 3x3 convolution.
func conv3x3(x map3, l convLayer) map3 {
	out := map3{h: x.h, w: x.w, c: l.outC, v: make([]float64, x.h*x.w*l.outC)}
	for y := 0; y < x.h; y++ {
		for xx := 0; xx < x.w; xx++ {
			dst := out.v[(y*x.w+xx)*l.outC : (y*x.w+xx+1)*l.outC]
			copy(dst, l.bias)
			for ky := 0; ky < 3; ky++ {
				iy := y + ky - 1
				if iy < 0 || iy >= x.h {
					continue
				}
				for kx := 0; kx < 3; kx++ {
					ix := xx + kx - 1
					if ix < 0 || ix >= x.w {
						continue
					}
					src := x.v[(iy*x.w+ix)*x.c : (iy*x.w+ix+1)*x.c]
					for o := range dst {
						k := l.weights[((o*3+ky)*3+kx)*l.inC : ((o*3+ky)*3+kx+1)*l.inC]
						var sum float64
						for c, v := range src {
							sum += v * k[c]
						}
						dst[o] += sum
					}
				}
			}
		}
	}
	return out
}

// conv3x3BackwardInput returns the gradient with respect to the input of conv3x3 given the
// gradient g with respect to its output.
func conv3x3BackwardInput(g map3, l convLayer, in map3) map3 {
	gin := map3{h: in.h, w: in.w, c: in.c, v: make([]float64, len(in.v))}
	for y := 0; y < g.h; y++ {
		for xx := 0; xx < g.w; xx++ {
			src := g.v[(y*g.w+xx)*g.c : (y*g.w+xx+1)*g.c]
			for ky := 0; ky < 3; ky++ {
				iy := y + ky - 1
				if iy < 0 || iy >= in.h {
					continue
				}
				for kx := 0; kx < 3; kx++ {
					ix := xx + kx - 1
					if ix < 0 || ix >= in.w {
						continue
					}
					dst := gin.v[(iy*in.w+ix)*in.c : (iy*in.w+ix+1)*in.c]
					for o, gv := range src {
						if gv == 0 {
							continue
						}
						k := l.weights[((o*3+ky)*3+kx)*l.inC : ((o*3+ky)*3+kx+1)*l.inC]
						for c := range dst {
							dst[c] += gv * k[c]
						}
					}
				}
			}
		}
	}
	return gin
}

// avgPool2 is a 2x2 average pooling with stride 2. An odd last row or column is dropped.
func avgPool2(x map3) map3 {
	out := map3{h: x.h / 2, w: x.w / 2, c: x.c}
	out.v = make([]float64, out.h*out.w*out.c)
	for y := 0; y < out.h; y++ {
		for xx := 0; xx < out.w; xx++ {
			dst := out.v[(y*out.w+xx)*out.c : (y*out.w+xx+1)*out.c]
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					src := x.v[((2*y+dy)*x.w+2*xx+dx)*x.c:]
					for c := range dst {
						dst[c] += 0.25 * src[c]
					}
				}
			}
		}
	}
	return out
}

// avgPool2Backward spreads the gradient of avgPool2 back to an input of size h x w.
func avgPool2Backward(g map3, h, w int) map3 {
	gin := map3{h: h, w: w, c: g.c, v: make([]float64, h*w*g.c)}
	for y := 0; y < g.h; y++ {
		for xx := 0; xx < g.w; xx++ {
			src := g.v[(y*g.w+xx)*g.c : (y*g.w+xx+1)*g.c]
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					dst := gin.v[((2*y+dy)*w+2*xx+dx)*g.c:]
					for c, v := range src {
						dst[c] += 0.25 * v
					}
				}
			}
		}
	}
	return gin
}
