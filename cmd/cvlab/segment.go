package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab/config"
	"github.com/sensorable/cvlab/segment"
)

var segmentCommand = command{
	name:  "segment",
	usage: "Train a pixel classifier on image/mask pairs and report IOU and Dice per class",
	setup: setupSegment,
}

func setupSegment(fs *flag.FlagSet, cfg *config.Config, fail func(msg ...interface{})) func(
	context.Context, recorder) error {

	imageDir := fs.String("images", "", "The `directory` with the JPEG images (required)")
	maskDir := fs.String("masks", "", "The `directory` with the PNG trimaps (required)")
	outDir := fs.String("out", filepath.Join(cfg.OutDir, "segment"),
		"The `directory` for the comparison images of the test samples")
	size := fs.Int("size", 128, "The square `size` images and masks are resized to")
	testPercent := fs.Int("test", 20, "The `percentage` of samples held out for evaluation")
	numComparisons := fs.Int("comparisons", 3, "The `number` of comparison images to write")
	absent := fs.String("absent", "one",
		"How classes absent from both masks are scored: one|exclude")
	epsilon := fs.Float64("epsilon", segment.DefaultEpsilon, "The smoothing `value` of IOU and Dice")

	trainCfg := segment.DefaultTrainConfig()
	trainCfg.Seed = cfg.Seed
	fs.IntVar(&trainCfg.Epochs, "epochs", trainCfg.Epochs, "The `number` of training epochs")
	fs.IntVar(&trainCfg.BatchSize, "batch", trainCfg.BatchSize, "The batch `size`")
	fs.Float64Var(&trainCfg.LearningRate, "lr", trainCfg.LearningRate, "The learning `rate`")
	fs.BoolVar(&trainCfg.Augment, "augment", trainCfg.Augment, "Randomly flip training samples")
	fs.Int64Var(&trainCfg.Seed, "seed", trainCfg.Seed, "The random `seed`")

	return func(ctx context.Context, rec recorder) error {
		if *imageDir == "" || *maskDir == "" {
			fail("-images and -masks are required")
		}
		if *size <= 0 {
			fail("Invalid size: ", *size)
		}
		if *testPercent <= 0 || *testPercent >= 100 {
			fail("The test percentage must be in (0, 100): ", *testPercent)
		}
		metricCfg := segment.MetricConfig{Epsilon: *epsilon}
		switch *absent {
		case "one":
			metricCfg.Absent = segment.AbsentAsOne
		case "exclude":
			metricCfg.Absent = segment.AbsentExcluded
		default:
			fail("Invalid absent class policy: ", *absent)
		}
		if *epsilon <= 0 {
			fail("Invalid epsilon: ", *epsilon)
		}
		trainCfg.Recorder = rec.loss

		samples, err := segment.LoadDataset(filepath.Clean(*imageDir), filepath.Clean(*maskDir), *size)
		if err != nil {
			return err
		}
		if len(samples) < 2 {
			return errors.Errorf("need at least 2 samples, found %d", len(samples))
		}

		rng := rand.New(rand.NewSource(trainCfg.Seed))
		rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
		numTest := len(samples) * *testPercent / 100
		if numTest == 0 {
			numTest = 1
		}
		test, train := samples[:numTest], samples[numTest:]
		log.Printf("Training on %d samples, evaluating on %d", len(train), len(test))

		model := segment.NewPatchClassifier(segment.NumClasses, rng)
		if _, err := segment.Train(ctx, model, train, trainCfg); err != nil {
			return err
		}

		eval, err := segment.Evaluate(model, test, metricCfg, rec.scores)
		if err != nil {
			return err
		}
		for _, s := range eval.PerClass {
			log.Printf("%-10s IOU %.4f  Dice %.4f", segment.ClassNames[s.Class], s.IOU, s.Dice)
		}
		log.Printf("Mean IOU %.4f, mean Dice %.4f", eval.MeanIOU, eval.MeanDice)

		if *numComparisons > len(test) {
			*numComparisons = len(test)
		}
		if *numComparisons > 0 {
			if err := os.MkdirAll(*outDir, 0755); err != nil {
				return errors.Wrapf(err, "cannot create output directory %q", *outDir)
			}
		}
		for _, s := range test[:*numComparisons] {
			pred, err := segment.Predict(model, s.Image)
			if err != nil {
				return err
			}
			path := filepath.Join(*outDir, fmt.Sprintf("%s_comparison.png", s.Name))
			if err := segment.SaveComparison(path, s.Image, s.Mask, pred); err != nil {
				return err
			}
		}
		return nil
	}
}
