package segment

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/sensorable/cvlab"
)

// syntheticSample returns a size x size image with a bright square (class 0) on a dark
// background (class 1), framed by a one pixel border (class 2).
func syntheticSample(name string, size, offset int) Sample {
	img := cvlab.NewTensor(size, size, 3)
	mask := cvlab.NewMask(size, size)
	values := img.Values()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			label := 1
			inside := x >= offset && x < offset+size/2 && y >= offset && y < offset+size/2
			if inside {
				label = 0
			}
			if x == 0 || y == 0 || x == size-1 || y == size-1 {
				label = 2
			}
			i := (y*size + x) * 3
			switch label {
			case 0:
				values[i], values[i+1], values[i+2] = 0.9, 0.8, 0.2
			case 1:
				values[i], values[i+1], values[i+2] = 0.1, 0.1, 0.2
			case 2:
				values[i], values[i+1], values[i+2] = 0.1, 0.6, 0.9
			}
			mask.Set(x, y, label)
		}
	}
	return Sample{Name: name, Image: img, Mask: mask}
}

func TestFlipHorizontal(t *testing.T) {
	s := syntheticSample("a", 8, 1)
	f := FlipHorizontal(s)

	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if f.Mask.At(x, y) != s.Mask.At(7-x, y) {
				t.Fatalf("mask not mirrored at (%d,%d)", x, y)
			}
			for c := 0; c < 3; c++ {
				got := f.Image.Values()[(y*8+x)*3+c]
				want := s.Image.Values()[(y*8+7-x)*3+c]
				if got != want {
					t.Fatalf("image not mirrored at (%d,%d,%d)", x, y, c)
				}
			}
		}
	}

	// Flipping twice restores the sample.
	ff := FlipHorizontal(f)
	for i, v := range ff.Mask.Labels {
		if v != s.Mask.Labels[i] {
			t.Fatalf("double flip changed the mask at %d", i)
		}
	}
}

func TestTrainAndEvaluate(t *testing.T) {
	samples := []Sample{
		syntheticSample("a", 12, 2),
		syntheticSample("b", 12, 4),
		syntheticSample("c", 12, 3),
	}

	model := NewPatchClassifier(NumClasses, rand.New(rand.NewSource(3)))
	cfg := TrainConfig{Epochs: 40, BatchSize: 2, LearningRate: 0.1, Augment: true, Seed: 7}
	rec := &lossLog{}
	cfg.Recorder = rec

	history, err := Train(context.Background(), model, samples, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(history) != cfg.Epochs || len(rec.steps) != cfg.Epochs {
		t.Fatalf("got %d epochs of history and %d recorded, want %d", len(history),
			len(rec.steps), cfg.Epochs)
	}
	if history[len(history)-1] >= history[0] {
		t.Errorf("loss did not decrease: first %v, last %v", history[0], history[len(history)-1])
	}

	scores := &scoreLog{}
	e, err := Evaluate(model, samples, DefaultMetricConfig(), scores)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(e.PerClass) != NumClasses || len(scores.scores) != NumClasses {
		t.Fatalf("got %d class scores", len(e.PerClass))
	}
	if e.MeanIOU <= 0 || e.MeanIOU > 1 || e.MeanDice <= 0 || e.MeanDice > 1 {
		t.Errorf("mean scores out of range: %+v", e)
	}
}

func TestTrain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := NewPatchClassifier(NumClasses, rand.New(rand.NewSource(1)))
	_, err := Train(ctx, model, []Sample{syntheticSample("a", 6, 1)}, DefaultTrainConfig())
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	imageDir := filepath.Join(dir, "images")
	maskDir := filepath.Join(dir, "trimaps")
	for _, d := range []string{imageDir, maskDir} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	// A 20x10 image whose left half is the pet (trimap label 1) and right half background (2).
	img := imaging.New(20, 10, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	trimap := image.NewGray(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			v := uint8(2)
			if x < 10 {
				v = 1
			}
			trimap.SetGray(x, y, color.Gray{Y: v})
		}
	}
	if err := imaging.Save(img, filepath.Join(imageDir, "cat_1.jpg")); err != nil {
		t.Fatal(err)
	}
	if err := imaging.Save(trimap, filepath.Join(maskDir, "cat_1.png")); err != nil {
		t.Fatal(err)
	}
	// An image without a mask is skipped.
	if err := imaging.Save(img, filepath.Join(imageDir, "dog_2.jpg")); err != nil {
		t.Fatal(err)
	}

	samples, err := LoadDataset(imageDir, maskDir, 8)
	if err != nil {
		t.Fatalf("LoadDataset failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}

	s := samples[0]
	if s.Name != "cat_1" {
		t.Errorf("Name = %q", s.Name)
	}
	if shape := s.Image.Shape(); shape[0] != 8 || shape[1] != 8 || shape[2] != 3 {
		t.Errorf("image shape %v", shape)
	}
	if s.Mask.At(0, 0) != 0 || s.Mask.At(7, 7) != 1 {
		t.Errorf("labels not offset to zero-based classes: %v", s.Mask.Labels)
	}
	for _, l := range s.Mask.Labels {
		if l < 0 || l >= NumClasses {
			t.Fatalf("label %d out of range", l)
		}
	}
}

func TestMaskFromImage_RejectsUnknownLabels(t *testing.T) {
	trimap := image.NewGray(image.Rect(0, 0, 2, 1))
	trimap.SetGray(0, 0, color.Gray{Y: 1})
	trimap.SetGray(1, 0, color.Gray{Y: 9})
	if _, err := MaskFromImage(trimap, LabelOffset, NumClasses); err == nil {
		t.Error("expected an error for label 9")
	}
}

func TestSaveComparison(t *testing.T) {
	s := syntheticSample("a", 6, 1)
	path := filepath.Join(t.TempDir(), "cmp.png")
	if err := SaveComparison(path, s.Image, s.Mask, s.Mask); err != nil {
		t.Fatalf("SaveComparison failed: %v", err)
	}

	img, err := imaging.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 24 || b.Dy() != 6 {
		t.Errorf("comparison is %dx%d, want 24x6", b.Dx(), b.Dy())
	}
}

type lossLog struct{ steps []int }

func (l *lossLog) RecordLoss(step int, _ cvlab.Loss) error {
	l.steps = append(l.steps, step)
	return nil
}

type scoreLog struct{ scores []cvlab.ClassScore }

func (l *scoreLog) RecordClassScores(scores []cvlab.ClassScore) error {
	l.scores = append(l.scores, scores...)
	return nil
}
