package segment

import (
	"log"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// Evaluation summarises the per-class scores of a model over a set of samples.
type Evaluation struct {
	PerClass []cvlab.ClassScore // Mean scores by class.
	MeanIOU  float64
	MeanDice float64
}

// Evaluate predicts a mask for every sample and averages the per-class IOU and Dice scores.
// Absent classes are handled as configured by cfg.Absent. If recorder is not nil it receives the
// per-class means.
func Evaluate(m Model, samples []Sample, cfg MetricConfig, recorder cvlab.ScoreRecorder) (
	Evaluation, error) {

	if len(samples) == 0 {
		return Evaluation{}, errors.Wrap(cvlab.ErrInvalidConfig, "no evaluation samples")
	}

	perSample := make([][]cvlab.ClassScore, 0, len(samples))
	for _, s := range samples {
		pred, err := Predict(m, s.Image)
		if err != nil {
			return Evaluation{}, errors.Wrapf(err, "sample %q", s.Name)
		}
		scores, err := ClassScores(s.Mask, pred, m.NumClasses(), cfg.Epsilon)
		if err != nil {
			return Evaluation{}, errors.Wrapf(err, "sample %q", s.Name)
		}
		perSample = append(perSample, scores)
	}

	means, err := MeanScores(perSample, m.NumClasses(), cfg.Absent)
	if err != nil {
		return Evaluation{}, err
	}

	e := Evaluation{PerClass: means}
	e.MeanIOU, e.MeanDice = overallMean(means, cfg.Absent)

	for _, s := range means {
		name := "?"
		if s.Class < len(ClassNames) {
			name = ClassNames[s.Class]
		}
		log.Printf("Class %d (%s): IOU %.4f, Dice %.4f", s.Class, name, s.IOU, s.Dice)
	}
	log.Printf("Mean IOU %.4f, mean Dice %.4f over %d samples", e.MeanIOU, e.MeanDice,
		len(samples))

	if recorder != nil {
		if err := recorder.RecordClassScores(means); err != nil {
			return e, errors.Wrap(err, "failed to record the class scores")
		}
	}

	return e, nil
}
