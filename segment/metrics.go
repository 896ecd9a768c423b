package segment

import (
	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// DefaultEpsilon is the smoothing constant added to the numerator and denominator of IOU and
// Dice.
const DefaultEpsilon = 1e-5

// AbsentPolicy decides how a class that occurs in neither mask enters aggregate scores.
type AbsentPolicy int

// The absent class policies.
const (
	// AbsentAsOne counts an absent class as a perfect score of 1.
	AbsentAsOne AbsentPolicy = iota
	// AbsentExcluded leaves absent classes out of per-class and overall averages.
	AbsentExcluded
)

// MetricConfig configures ClassScores and the aggregation in Evaluate.
type MetricConfig struct {
	Epsilon float64
	Absent  AbsentPolicy
}

// DefaultMetricConfig uses DefaultEpsilon and AbsentAsOne.
func DefaultMetricConfig() MetricConfig {
	return MetricConfig{Epsilon: DefaultEpsilon, Absent: AbsentAsOne}
}

// ClassScores computes the Intersection-over-Union and Dice coefficient of every class in
// [0, numClasses) between the true and the predicted mask. The scores are ordered by class.
//
// With overlap, trueArea and predArea the pixel counts for a class:
//
//	IOU  = (overlap + eps) / (trueArea + predArea - overlap + eps)
//	Dice = (2*overlap + eps) / (trueArea + predArea + eps)
//
// Both are in [0,1]. A class found in neither mask scores exactly 1 and is flagged Absent.
func ClassScores(yTrue, yPred *cvlab.Mask, numClasses int, epsilon float64) (
	[]cvlab.ClassScore, error) {

	if numClasses <= 0 {
		return nil, errors.Wrapf(cvlab.ErrInvalidConfig, "numClasses must be positive, got %d",
			numClasses)
	}
	if epsilon <= 0 {
		return nil, errors.Wrapf(cvlab.ErrInvalidConfig, "epsilon must be positive, got %v",
			epsilon)
	}
	if err := yTrue.CheckShape(yPred); err != nil {
		return nil, errors.Wrap(err, "cannot compare masks")
	}

	overlap := make([]int, numClasses)
	trueArea := make([]int, numClasses)
	predArea := make([]int, numClasses)
	for i, t := range yTrue.Labels {
		p := yPred.Labels[i]
		if t < 0 || t >= numClasses {
			return nil, errors.Errorf("true label %d at pixel %d is outside [0, %d)", t, i,
				numClasses)
		}
		if p < 0 || p >= numClasses {
			return nil, errors.Errorf("predicted label %d at pixel %d is outside [0, %d)", p, i,
				numClasses)
		}
		trueArea[t]++
		predArea[p]++
		if t == p {
			overlap[t]++
		}
	}

	scores := make([]cvlab.ClassScore, numClasses)
	for c := range scores {
		scores[c].Class = c
		if trueArea[c] == 0 && predArea[c] == 0 {
			scores[c].IOU = 1
			scores[c].Dice = 1
			scores[c].Absent = true
			continue
		}

		o := float64(overlap[c])
		combined := float64(trueArea[c] + predArea[c])
		scores[c].IOU = (o + epsilon) / (combined - o + epsilon)
		scores[c].Dice = (2*o + epsilon) / (combined + epsilon)
	}

	return scores, nil
}

// MeanScores averages per-sample class scores class by class. With AbsentExcluded, samples in
// which a class is absent do not contribute to that class, and a class absent from every sample is
// reported as Absent with zero scores.
func MeanScores(perSample [][]cvlab.ClassScore, numClasses int, policy AbsentPolicy) (
	[]cvlab.ClassScore, error) {

	sums := make([]cvlab.ClassScore, numClasses)
	counts := make([]int, numClasses)
	for i, scores := range perSample {
		if len(scores) != numClasses {
			return nil, errors.Wrapf(cvlab.ErrShapeMismatch, "sample %d has %d class scores, want %d",
				i, len(scores), numClasses)
		}
		for c, s := range scores {
			if s.Absent && policy == AbsentExcluded {
				continue
			}
			sums[c].IOU += s.IOU
			sums[c].Dice += s.Dice
			counts[c]++
		}
	}

	means := make([]cvlab.ClassScore, numClasses)
	for c := range means {
		means[c].Class = c
		if counts[c] == 0 {
			means[c].Absent = true
			if policy == AbsentAsOne {
				means[c].IOU = 1
				means[c].Dice = 1
			}
			continue
		}
		means[c].IOU = sums[c].IOU / float64(counts[c])
		means[c].Dice = sums[c].Dice / float64(counts[c])
	}

	return means, nil
}

// overallMean averages IOU and Dice over classes, skipping absent classes if policy says so.
func overallMean(scores []cvlab.ClassScore, policy AbsentPolicy) (iou, dice float64) {
	n := 0
	for _, s := range scores {
		if s.Absent && policy == AbsentExcluded {
			continue
		}
		iou += s.IOU
		dice += s.Dice
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return iou / float64(n), dice / float64(n)
}
