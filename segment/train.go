package segment

import (
	"context"
	"log"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// TrainConfig configures Train.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Augment      bool               // Randomly flip samples before every epoch.
	Seed         int64              // Seeds shuffling and augmentation.
	Recorder     cvlab.LossRecorder // Receives the mean loss of every epoch; may be nil.
}

// DefaultTrainConfig returns the settings used by the command line tool.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       10,
		BatchSize:    8,
		LearningRate: 0.1,
		Augment:      true,
		Seed:         1,
	}
}

func (c TrainConfig) validate() error {
	if c.Epochs <= 0 || c.BatchSize <= 0 || c.LearningRate <= 0 {
		return errors.Wrapf(cvlab.ErrInvalidConfig,
			"epochs, batch size and learning rate must be positive: %+v", c)
	}
	return nil
}

// Train fits m to samples with mini-batch gradient descent. Samples are shuffled (and optionally
// augmented) before every epoch.
//
// Returns the mean training loss of every epoch. Training stops with an ErrNonFinite error if the
// loss diverges, and with ctx.Err() if ctx is cancelled between batches.
func Train(ctx context.Context, m Trainable, samples []Sample, cfg TrainConfig) ([]float64, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Wrap(cvlab.ErrInvalidConfig, "no training samples")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	history := make([]float64, 0, cfg.Epochs)
	batch := make([]Sample, 0, cfg.BatchSize)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sum float64
		var numBatches int
		for start := 0; start < len(order); start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return history, err
			}

			end := start + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch = batch[:0]
			for _, idx := range order[start:end] {
				s := samples[idx]
				if cfg.Augment {
					s = Augment(s, rng)
				}
				batch = append(batch, s)
			}

			loss, err := m.TrainStep(batch, cfg.LearningRate)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d", epoch+1)
			}
			if err := cvlab.CheckFiniteScalar("segmentation loss", loss); err != nil {
				return history, errors.Wrapf(err, "epoch %d", epoch+1)
			}
			sum += loss
			numBatches++
		}

		mean := sum / float64(numBatches)
		history = append(history, mean)
		log.Printf("Epoch %d/%d: loss %.5f", epoch+1, cfg.Epochs, mean)

		if cfg.Recorder != nil {
			loss := cvlab.Loss{{Name: "cross_entropy", Value: mean, Weight: 1}}
			if err := cfg.Recorder.RecordLoss(epoch+1, loss); err != nil {
				return history, errors.Wrap(err, "failed to record the loss")
			}
		}
	}

	return history, nil
}
