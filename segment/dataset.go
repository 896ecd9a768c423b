// Package segment implements the semantic segmentation pipeline: dataset loading and
// augmentation, a trainable per-pixel model, training, per-class IOU/Dice evaluation and
// visualisation.
package segment

import (
	"image"
	"log"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Label set of the Oxford-IIIT Pet trimaps: 1 pet, 2 background, 3 border. LabelOffset maps them
// to zero-based classes.
const (
	NumClasses  = 3
	LabelOffset = 1
)

// Class names after the label offset is applied.
var ClassNames = [NumClasses]string{"pet", "background", "border"}

// Sample is an image with its segmentation mask.
type Sample struct {
	Name  string
	Image *cvlab.Tensor // (size, size, 3) in [0,1].
	Mask  *cvlab.Mask
}

// LoadDataset pairs the JPEG images in imageDir with the PNG masks of the same base name in
// maskDir, resizes both to size x size and converts the mask labels to zero-based classes.
//
// Pairs that fail to load are logged and skipped.
func LoadDataset(imageDir, maskDir string, size int) ([]Sample, error) {
	if size <= 0 {
		return nil, errors.Wrapf(cvlab.ErrInvalidConfig, "invalid image size %d", size)
	}

	pairs, err := cvlab.PairFilesByName(imageDir, ".jpg", maskDir, ".png")
	if err != nil {
		return nil, err
	}
	log.Printf("Loading %d image/mask pairs", len(pairs))

	samples := make([]Sample, 0, len(pairs))
	for _, p := range pairs {
		s, err := LoadSample(p.Primary, p.Secondary, size)
		if err != nil {
			log.Printf("Error while loading, skipping %q: %v", p.Primary, err)
			continue
		}
		samples = append(samples, s)
	}

	return samples, nil
}

// LoadSample loads one image and its mask, both resized to size x size. The image is resampled
// linearly, the mask with nearest neighbour so that no new labels are invented.
func LoadSample(imagePath, maskPath string, size int) (Sample, error) {
	img, err := cvlab.LoadImage(imagePath)
	if err != nil {
		return Sample{}, err
	}
	maskImg, err := imaging.Open(maskPath)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "failed to load mask %q", maskPath)
	}

	img = imaging.Resize(img, size, size, imaging.Linear)
	maskImg = imaging.Resize(maskImg, size, size, imaging.NearestNeighbor)

	mask, err := MaskFromImage(maskImg, LabelOffset, NumClasses)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "invalid mask %q", maskPath)
	}

	name := filepath.Base(imagePath)
	return Sample{
		Name:  strings.TrimSuffix(name, filepath.Ext(name)),
		Image: cvlab.ImageToTensor(img),
		Mask:  mask,
	}, nil
}

// MaskFromImage reads class labels from the first channel of img and subtracts offset. Labels
// outside [0, numClasses) after the offset are an error.
func MaskFromImage(img image.Image, offset, numClasses int) (*cvlab.Mask, error) {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	mask := cvlab.NewMask(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			label := int(src.Pix[y*src.Stride+4*x]) - offset
			if label < 0 || label >= numClasses {
				return nil, errors.Errorf("label %d at (%d,%d) is outside [0, %d)", label+offset,
					x, y, numClasses)
			}
			mask.Set(x, y, label)
		}
	}
	return mask, nil
}

// FlipHorizontal returns a mirrored copy of s. Image and mask are flipped together.
func FlipHorizontal(s Sample) Sample {
	shape := s.Image.Shape()
	h, w, c := shape[0], shape[1], shape[2]

	img := s.Image.Clone()
	src, dst := s.Image.Values(), img.Values()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(dst[(y*w+x)*c:(y*w+x+1)*c], src[(y*w+w-1-x)*c:(y*w+w-x)*c])
		}
	}

	mask := cvlab.NewMask(s.Mask.Height, s.Mask.Width)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			mask.Set(x, y, s.Mask.At(mask.Width-1-x, y))
		}
	}

	return Sample{Name: s.Name, Image: img, Mask: mask}
}

// Augment randomly flips s horizontally with probability 0.5.
func Augment(s Sample, rng *rand.Rand) Sample {
	if rng.Intn(2) == 0 {
		return FlipHorizontal(s)
	}
	return s
}
