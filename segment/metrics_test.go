package segment

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

func maskOf(w, h int, labels ...int) *cvlab.Mask {
	return &cvlab.Mask{Width: w, Height: h, Labels: labels}
}

func TestClassScores_Example(t *testing.T) {
	yTrue := maskOf(4, 1, 0, 0, 1, 1)
	yPred := maskOf(4, 1, 0, 1, 1, 1)

	scores, err := ClassScores(yTrue, yPred, 2, DefaultEpsilon)
	if err != nil {
		t.Fatalf("ClassScores failed: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}

	tests := []struct {
		class  int
		iou    float64
		dice   float64
		absent bool
	}{
		{0, 1.0 / 2, 2.0 / 3, false},
		{1, 2.0 / 3, 4.0 / 5, false},
	}
	for _, tt := range tests {
		s := scores[tt.class]
		if s.Class != tt.class {
			t.Errorf("scores[%d].Class = %d", tt.class, s.Class)
		}
		if math.Abs(s.IOU-tt.iou) > 1e-4 {
			t.Errorf("class %d: IOU = %v, want %v", tt.class, s.IOU, tt.iou)
		}
		if math.Abs(s.Dice-tt.dice) > 1e-4 {
			t.Errorf("class %d: Dice = %v, want %v", tt.class, s.Dice, tt.dice)
		}
		if s.Absent != tt.absent {
			t.Errorf("class %d: Absent = %v", tt.class, s.Absent)
		}
	}
}

func TestClassScores_IdenticalMasks(t *testing.T) {
	m := maskOf(3, 2, 0, 1, 2, 2, 1, 0)
	scores, err := ClassScores(m, m, 3, DefaultEpsilon)
	if err != nil {
		t.Fatalf("ClassScores failed: %v", err)
	}
	for _, s := range scores {
		if s.IOU != 1 || s.Dice != 1 {
			t.Errorf("class %d: IOU %v, Dice %v, want 1", s.Class, s.IOU, s.Dice)
		}
	}
}

func TestClassScores_AbsentClassIsExactlyOne(t *testing.T) {
	yTrue := maskOf(2, 2, 0, 0, 1, 1)
	yPred := maskOf(2, 2, 0, 1, 1, 1)

	for _, eps := range []float64{1e-5, 1e-3, 1} {
		scores, err := ClassScores(yTrue, yPred, 4, eps)
		if err != nil {
			t.Fatalf("ClassScores failed: %v", err)
		}
		for _, c := range []int{2, 3} {
			s := scores[c]
			if !s.Absent || s.IOU != 1 || s.Dice != 1 {
				t.Errorf("eps %v, class %d: got %+v, want absent with IOU = Dice = 1", eps, c, s)
			}
		}
	}
}

func TestClassScores_Bounded(t *testing.T) {
	yTrue := maskOf(5, 2, 0, 1, 2, 0, 1, 2, 2, 2, 0, 1)
	preds := [][]int{
		{0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{2, 2, 1, 1, 0, 0, 1, 0, 2, 2},
		{1, 2, 0, 1, 2, 0, 0, 1, 1, 0},
	}
	for _, p := range preds {
		scores, err := ClassScores(yTrue, maskOf(5, 2, p...), 3, DefaultEpsilon)
		if err != nil {
			t.Fatalf("ClassScores failed: %v", err)
		}
		for _, s := range scores {
			if s.IOU < 0 || s.IOU > 1 || s.Dice < 0 || s.Dice > 1 {
				t.Errorf("pred %v, class %d: IOU %v, Dice %v out of [0,1]", p, s.Class, s.IOU,
					s.Dice)
			}
		}
	}
}

func TestClassScores_Errors(t *testing.T) {
	tests := []struct {
		name       string
		yTrue      *cvlab.Mask
		yPred      *cvlab.Mask
		numClasses int
		eps        float64
		cause      error
	}{
		{"shape mismatch", maskOf(2, 1, 0, 1), maskOf(1, 2, 0, 1), 2, DefaultEpsilon,
			cvlab.ErrShapeMismatch},
		{"no classes", maskOf(1, 1, 0), maskOf(1, 1, 0), 0, DefaultEpsilon,
			cvlab.ErrInvalidConfig},
		{"zero epsilon", maskOf(1, 1, 0), maskOf(1, 1, 0), 1, 0, cvlab.ErrInvalidConfig},
		{"label out of range", maskOf(1, 1, 3), maskOf(1, 1, 0), 2, DefaultEpsilon, nil},
	}
	for _, tt := range tests {
		_, err := ClassScores(tt.yTrue, tt.yPred, tt.numClasses, tt.eps)
		if err == nil {
			t.Errorf("%s: expected an error", tt.name)
			continue
		}
		if tt.cause != nil && errors.Cause(err) != tt.cause {
			t.Errorf("%s: got %v, want cause %v", tt.name, err, tt.cause)
		}
	}
}

func TestMeanScores_Policies(t *testing.T) {
	perSample := [][]cvlab.ClassScore{
		{{Class: 0, IOU: 0.5, Dice: 0.6}, {Class: 1, IOU: 1, Dice: 1, Absent: true}},
		{{Class: 0, IOU: 1, Dice: 1}, {Class: 1, IOU: 0.2, Dice: 0.4}},
	}

	asOne, err := MeanScores(perSample, 2, AbsentAsOne)
	if err != nil {
		t.Fatalf("MeanScores failed: %v", err)
	}
	if math.Abs(asOne[1].IOU-0.6) > 1e-12 || math.Abs(asOne[1].Dice-0.7) > 1e-12 {
		t.Errorf("AbsentAsOne class 1: %+v", asOne[1])
	}

	excluded, err := MeanScores(perSample, 2, AbsentExcluded)
	if err != nil {
		t.Fatalf("MeanScores failed: %v", err)
	}
	if math.Abs(excluded[1].IOU-0.2) > 1e-12 || math.Abs(excluded[1].Dice-0.4) > 1e-12 {
		t.Errorf("AbsentExcluded class 1: %+v", excluded[1])
	}
	if math.Abs(excluded[0].IOU-0.75) > 1e-12 {
		t.Errorf("AbsentExcluded class 0: %+v", excluded[0])
	}

	allAbsent := [][]cvlab.ClassScore{{{Class: 0, IOU: 1, Dice: 1, Absent: true}}}
	excluded, err = MeanScores(allAbsent, 1, AbsentExcluded)
	if err != nil {
		t.Fatalf("MeanScores failed: %v", err)
	}
	if !excluded[0].Absent {
		t.Errorf("class absent from every sample should be flagged: %+v", excluded[0])
	}
	if iou, _ := overallMean(excluded, AbsentExcluded); iou != 0 {
		t.Errorf("overall mean over only absent classes = %v, want 0", iou)
	}
}
