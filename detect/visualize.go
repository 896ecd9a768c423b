package detect

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/sensorable/cvlab"
)

// BoxColors are the box colours by class ID, cycling for larger IDs.
var BoxColors = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 64, 64, 255},
	{64, 128, 255, 255},
	{255, 200, 0, 255},
	{200, 0, 255, 255},
}

// FrameResult holds the detections of one annotated frame.
type FrameResult struct {
	Source     string // The input image.
	Output     string // The annotated image.
	Width      int
	Height     int
	Detections []Detection // The detections that passed the threshold.
}

// AnnotateFrames runs d on every frame and draws the detections with a score of at least
// threshold. The annotated images are written to outDir as frame_000.jpg, frame_001.jpg, ... in the
// order of frames. Frames are processed concurrently.
func AnnotateFrames(d *Detector, frames []string, outDir string, threshold float64) (
	[]FrameResult, error) {

	if len(frames) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create output directory %q", outDir)
	}
	log.Printf("Annotating %d frames", len(frames))

	// Limit the number of goroutines in flight, as they load potentially large images into memory.
	numTasks := 2 * runtime.NumCPU()
	if len(frames) < numTasks {
		numTasks = len(frames)
	}
	workQueue := make(chan int, 2*numTasks)
	results := make([]FrameResult, len(frames))
	errs := make(chan error, 1)
	var wg sync.WaitGroup

	trySendError := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				out := filepath.Join(outDir, fmt.Sprintf("frame_%03d.jpg", idx))
				r, err := annotateFrame(d, frames[idx], out, threshold)
				if err != nil {
					trySendError(err)
					continue
				}
				results[idx] = r
			}
		}()
	}

	for i := range frames {
		workQueue <- i
	}
	close(workQueue)
	wg.Wait()

	close(errs)
	if len(errs) > 0 {
		return nil, <-errs
	}
	return results, nil
}

func annotateFrame(d *Detector, path, outPath string, threshold float64) (FrameResult, error) {
	img, err := cvlab.LoadImage(path)
	if err != nil {
		return FrameResult{}, err
	}
	detections, err := d.Detect(cvlab.ImageToTensor(img))
	if err != nil {
		return FrameResult{}, errors.Wrapf(err, "detection failed for %q", path)
	}

	canvas := imaging.Clone(img)
	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	r := FrameResult{Source: path, Output: outPath, Width: w, Height: h}
	for _, det := range detections {
		if det.Score < threshold {
			continue
		}
		r.Detections = append(r.Detections, det)
		DrawDetection(canvas, det)
	}

	if err := cvlab.SaveImage(outPath, canvas); err != nil {
		return FrameResult{}, err
	}
	return r, nil
}

// DrawDetection draws the box of det with a "label NN%" caption onto img.
func DrawDetection(img *image.NRGBA, det Detection) {
	b := img.Bounds()
	c := BoxColors[(det.Class-1+len(BoxColors))%len(BoxColors)]
	p := det.Box.Pixels(b.Dx(), b.Dy())
	r := image.Rect(b.Min.X+int(math.Round(p[0])), b.Min.Y+int(math.Round(p[1])),
		b.Min.X+int(math.Round(p[2])), b.Min.Y+int(math.Round(p[3]))).Intersect(b)
	if r.Empty() {
		return
	}

	thickness := 1 + b.Dx()/200
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, r.Min.Y+t, c)
			img.SetNRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetNRGBA(r.Min.X+t, y, c)
			img.SetNRGBA(r.Max.X-1-t, y, c)
		}
	}

	// Caption above the box, or inside it at the top of the image.
	face := basicfont.Face7x13
	y := r.Min.Y - 2
	if y-face.Ascent < b.Min.Y {
		y = r.Min.Y + face.Ascent + thickness
	}
	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(r.Min.X+thickness, y),
	}
	drawer.DrawString(fmt.Sprintf("%s %d%%", det.Label, int(math.Round(100*det.Score))))
}

// WriteGIF assembles the images at framePaths into a looping GIF animation at path, showing each
// frame for delay hundredths of a second. Frames are resized to the size of the first frame and
// dithered to the Plan 9 palette.
func WriteGIF(path string, framePaths []string, delay int) (err error) {
	if len(framePaths) == 0 {
		return errors.New("no frames for the animation")
	}

	anim := &gif.GIF{}
	var size image.Rectangle
	for i, framePath := range framePaths {
		img, err := cvlab.LoadImage(framePath)
		if err != nil {
			return err
		}
		if i == 0 {
			size = image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy())
		} else if img.Bounds().Dx() != size.Dx() || img.Bounds().Dy() != size.Dy() {
			img = imaging.Resize(img, size.Dx(), size.Dy(), imaging.Linear)
		}

		frame := image.NewPaletted(size, palette.Plan9)
		draw.FloydSteinberg.Draw(frame, size, img, img.Bounds().Min)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, delay)
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer cvlab.CloseWithErrCheck(file, &err)

	if err := gif.EncodeAll(file, anim); err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	log.Printf("Wrote %d frames to %q", len(framePaths), path)
	return nil
}
