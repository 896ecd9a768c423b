package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
	"github.com/sensorable/cvlab/config"
	"github.com/sensorable/cvlab/style"
)

var styleCommand = command{
	name:  "style",
	usage: "Render a content image in the style of another image",
	setup: setupStyle,
}

func setupStyle(fs *flag.FlagSet, cfg *config.Config, fail func(msg ...interface{})) func(
	context.Context, recorder) error {

	contentPath := fs.String("content", "", "The content image `file` (required)")
	stylePath := fs.String("style", "", "The style image `file` (required)")
	outPath := fs.String("out", filepath.Join(cfg.OutDir, "stylized.png"),
		"The output image `file` (.png or .jpg)")
	epochDir := fs.String("epoch-dir", "",
		"If set, the image after every epoch is saved to this `directory`")
	size := fs.Int("size", cfg.ImageSize, "The longer image side `length` in pixels")
	styleLayers := fs.String("style-layers", strings.Join(style.DefaultStyleLayers, ","),
		"Comma-separated style layer `names`")
	contentLayers := fs.String("content-layers", strings.Join(style.DefaultContentLayers, ","),
		"Comma-separated content layer `names`")
	seed := fs.Int64("seed", cfg.Seed, "The `seed` of the feature extractor weights")

	transferCfg := style.DefaultConfig()
	fs.IntVar(&transferCfg.Epochs, "epochs", transferCfg.Epochs, "The `number` of epochs")
	fs.IntVar(&transferCfg.StepsPerEpoch, "steps", transferCfg.StepsPerEpoch,
		"The `number` of optimizer steps per epoch")
	fs.Float64Var(&transferCfg.StyleWeight, "style-weight", transferCfg.StyleWeight,
		"The `weight` of the style loss")
	fs.Float64Var(&transferCfg.ContentWeight, "content-weight", transferCfg.ContentWeight,
		"The `weight` of the content loss")
	fs.Float64Var(&transferCfg.LearningRate, "lr", transferCfg.LearningRate,
		"The Adam learning `rate`")

	return func(ctx context.Context, rec recorder) error {
		if *contentPath == "" || *stylePath == "" {
			fail("-content and -style are required")
		}
		if *size <= 0 {
			fail("Invalid size: ", *size)
		}
		transferCfg.StyleLayers = splitList(*styleLayers)
		transferCfg.ContentLayers = splitList(*contentLayers)
		transferCfg.Recorder = rec.loss

		content, err := cvlab.LoadImageTensor(filepath.Clean(*contentPath), *size)
		if err != nil {
			return err
		}
		styleImg, err := cvlab.LoadImageTensor(filepath.Clean(*stylePath), *size)
		if err != nil {
			return err
		}

		ex, err := style.NewConvExtractor(style.DefaultBlocks, *seed)
		if err != nil {
			return err
		}

		if *epochDir != "" {
			dir := filepath.Clean(*epochDir)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, "cannot create output directory %q", dir)
			}
			transferCfg.OnEpoch = func(epoch int, img *cvlab.Tensor) error {
				return cvlab.SaveImageTensor(filepath.Join(dir, fmt.Sprintf("epoch_%03d.png", epoch)), img)
			}
		}

		res, err := style.Transfer(ctx, ex, content, styleImg, transferCfg)
		if res != nil && res.Steps > 0 {
			// Keep the partial result of an interrupted run.
			if err := os.MkdirAll(filepath.Dir(*outPath), 0755); err != nil {
				return errors.Wrap(err, "cannot create output directory")
			}
			if err := cvlab.SaveImageTensor(filepath.Clean(*outPath), res.Image); err != nil {
				return err
			}
			log.Printf("Wrote %s after %d steps", *outPath, res.Steps)
		}
		return err
	}
}
