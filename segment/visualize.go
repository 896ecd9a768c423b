package segment

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Palette colours the classes of a mask. Classes beyond its length are drawn black.
var Palette = []color.NRGBA{
	{R: 255, G: 196, B: 0, A: 255},  // pet
	{R: 48, G: 48, B: 64, A: 255},   // background
	{R: 0, G: 170, B: 255, A: 255},  // border
	{R: 220, G: 40, B: 120, A: 255}, // spare
}

// MaskToImage renders m with Palette.
func MaskToImage(m *cvlab.Mask) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			c := color.NRGBA{A: 255}
			if l := m.At(x, y); l >= 0 && l < len(Palette) {
				c = Palette[l]
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Comparison places the image, the true mask, the predicted mask and the prediction blended over
// the image side by side.
func Comparison(img *cvlab.Tensor, trueMask, predMask *cvlab.Mask) (*image.NRGBA, error) {
	src, err := cvlab.TensorToImage(img)
	if err != nil {
		return nil, err
	}
	if err := trueMask.CheckShape(predMask); err != nil {
		return nil, err
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if trueMask.Width != w || trueMask.Height != h {
		return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "image is %dx%d, masks are %dx%d", w, h,
			trueMask.Width, trueMask.Height)
	}

	predImg := MaskToImage(predMask)
	dst := imaging.New(4*w, h, color.White)
	dst = imaging.Paste(dst, src, image.Pt(0, 0))
	dst = imaging.Paste(dst, MaskToImage(trueMask), image.Pt(w, 0))
	dst = imaging.Paste(dst, predImg, image.Pt(2*w, 0))
	dst = imaging.Paste(dst, src, image.Pt(3*w, 0))
	dst = imaging.Overlay(dst, predImg, image.Pt(3*w, 0), 0.5)
	return dst, nil
}

// SaveComparison writes the Comparison image to path (PNG or JPEG by extension).
func SaveComparison(path string, img *cvlab.Tensor, trueMask, predMask *cvlab.Mask) error {
	dst, err := Comparison(img, trueMask, predMask)
	if err != nil {
		return err
	}
	return cvlab.SaveImage(path, dst)
}
