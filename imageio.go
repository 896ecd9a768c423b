package cvlab

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DefaultJPEGQuality is used by SaveImage for JPEG outputs.
var DefaultJPEGQuality = 92

// LoadImage reads and decodes the image at path, applying the EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}

// LoadImageTensor loads the image at path as a (height, width, 3) tensor in [0,1].
//
// If maxDim > 0, the image is resampled so that its longer side equals maxDim.
func LoadImageTensor(path string, maxDim int) (*Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	if maxDim > 0 {
		img = ResizeLonger(img, maxDim)
	}
	return ImageToTensor(img), nil
}

// ResizeLonger resamples img so that its longer side is longerSide, keeping the aspect ratio.
// Downsampling uses a box filter and upsampling a linear filter.
func ResizeLonger(img image.Image, longerSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	var newW, newH int
	if w >= h {
		newW = longerSide
		newH = int(math.Round(float64(longerSide) * float64(h) / float64(w)))
	} else {
		newH = longerSide
		newW = int(math.Round(float64(longerSide) * float64(w) / float64(h)))
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	filter := imaging.Linear
	if newW*newH < w*h {
		filter = imaging.Box
	}
	return imaging.Resize(img, newW, newH, filter)
}

// ImageToTensor converts img to a (height, width, 3) RGB tensor with values in [0,1].
func ImageToTensor(img image.Image) *Tensor {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	t := NewTensor(h, w, 3)
	values := t.Values()
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+4*w]
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			values[i] = float64(row[4*x]) / 255
			values[i+1] = float64(row[4*x+1]) / 255
			values[i+2] = float64(row[4*x+2]) / 255
		}
	}
	return t
}

// TensorToImage converts a (height, width, 3) tensor in [0,1] to an opaque image. Values outside
// [0,1] are clamped.
func TensorToImage(t *Tensor) (*image.NRGBA, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected an image tensor (h, w, 3), got %v",
			shape)
	}
	h, w := shape[0], shape[1]

	toByte := func(v float64) uint8 {
		if v <= 0 || math.IsNaN(v) {
			return 0
		} else if v >= 1 {
			return 255
		}
		return uint8(math.Round(v * 255))
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	values := t.Values()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(values[i]),
				G: toByte(values[i+1]),
				B: toByte(values[i+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

// SaveImage encodes img as PNG or JPEG, depending on the file extension of path.
func SaveImage(path string, img image.Image) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = imaging.Save(img, path)
	case ".jpg", ".jpeg":
		err = imaging.Save(img, path, imaging.JPEGQuality(DefaultJPEGQuality))
	default:
		return errors.Errorf("unsupported image encoding for %q", path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to save image %q", path)
	}
	return nil
}

// SaveImageTensor converts t with TensorToImage and saves it with SaveImage.
func SaveImageTensor(path string, t *Tensor) error {
	img, err := TensorToImage(t)
	if err != nil {
		return err
	}
	return SaveImage(path, img)
}

// DecodeImageSize returns the width and height of the image at path without decoding the pixels.
func DecodeImageSize(path string) (width, height int, format string, err error) {
	file, err := openFile(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer CloseWithErrCheck(file, &err)

	config, format, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, "", errors.Wrapf(err, "failed to decode the image metadata of %q", path)
	}
	return config.Width, config.Height, format, nil
}
