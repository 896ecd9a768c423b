package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
	"github.com/sensorable/cvlab/config"
	"github.com/sensorable/cvlab/detect"
)

var detectCommand = command{
	name:  "detect",
	usage: "Fine-tune the detector heads on a few annotated images and annotate test frames",
	setup: setupDetect,
}

// parseRoles converts role names as printed by detect.Role.String.
func parseRoles(names []string) ([]detect.Role, error) {
	all := []detect.Role{detect.RoleBackbone, detect.RoleBoxHead, detect.RoleClassHead}
	roles := make([]detect.Role, 0, len(names))
outer:
	for _, name := range names {
		for _, r := range all {
			if r.String() == name {
				roles = append(roles, r)
				continue outer
			}
		}
		return nil, errors.Errorf("unknown variable role %q", name)
	}
	return roles, nil
}

func setupDetect(fs *flag.FlagSet, cfg *config.Config, fail func(msg ...interface{})) func(
	context.Context, recorder) error {

	boxFile := fs.String("boxes", "", "The JSON `file` with the ground truth boxes in pixels")
	viaFile := fs.String("via", "", "The VIA project `file` with the ground truth boxes")
	kittiLabels := fs.String("kitti-labels", "", "The `directory` with KITTI ground truth files")
	kittiImages := fs.String("kitti-images", "", "The image `directory` for -kitti-labels")
	defaultLabel := fs.String("label", "rubber_ducky",
		"The `label` of boxes in -boxes files without explicit labels")
	labelMapIn := fs.String("label-map", "",
		"An optional label map `file` (pbtxt) that fixes the class IDs")
	labelMappings := fs.String("map-labels", "",
		"Comma-separated label (sub-)string replacements in the `format` old=new")

	tfrecord := fs.String("tfrecord", "",
		"If set, the training examples are also written as TFRecord to this `path`")
	labelMapOut := fs.String("tfrecord-label-map", "",
		"The label map `file` written with -tfrecord (defaults to <tfrecord>.pbtxt)")
	numShards := fs.Int("shards", 1, "The `number` of TFRecord shards")
	splits := fs.String("split", "",
		"Comma-separated split `percentages`; only the first dataset is used for training")

	detectorCfg := detect.DefaultDetectorConfig()
	detectorCfg.Seed = cfg.Seed
	fs.IntVar(&detectorCfg.Grid, "grid", detectorCfg.Grid, "The backbone pooling grid `size`")
	fs.IntVar(&detectorCfg.Hidden, "hidden", detectorCfg.Hidden, "The backbone feature `size`")
	restore := fs.String("restore", "", "The checkpoint `file` to restore before fine-tuning")
	restoreRoles := fs.String("restore-roles", "backbone,box_head",
		"Comma-separated `roles` of the variables to restore")
	save := fs.String("save", filepath.Join(cfg.OutDir, "detector.ckpt"),
		"The checkpoint `file` written after fine-tuning (empty to skip)")

	ftCfg := detect.DefaultFineTuneConfig()
	ftCfg.Seed = cfg.Seed
	trainPrefixes := fs.String("train-prefixes", "",
		"Comma-separated variable name `prefixes` to train instead of -train-roles")
	trainRoles := fs.String("train-roles", "box_head,class_head",
		"Comma-separated `roles` of the variables to train")
	fs.IntVar(&ftCfg.Steps, "steps", ftCfg.Steps, "The `number` of training steps")
	fs.IntVar(&ftCfg.BatchSize, "batch", ftCfg.BatchSize, "The batch `size`")
	fs.Float64Var(&ftCfg.LearningRate, "lr", ftCfg.LearningRate, "The SGD learning `rate`")
	fs.Float64Var(&ftCfg.Momentum, "momentum", ftCfg.Momentum, "The SGD `momentum`")
	fs.IntVar(&ftCfg.ImageSize, "size", ftCfg.ImageSize, "The longer image side `length` in training")

	framesDir := fs.String("frames", "", "The `directory` with test frames to annotate")
	framesExt := fs.String("frames-ext", ".jpg", "The file `extension` of test frames")
	threshold := fs.Float64("threshold", 0.5, "The minimum detection `score` to draw")
	outDir := fs.String("out", filepath.Join(cfg.OutDir, "detect"),
		"The `directory` for the annotated frames")
	gifPath := fs.String("gif", "", "If set, the annotated frames are animated to this GIF `file`")
	gifDelay := fs.Int("gif-delay", 20, "The frame `delay` of the GIF in 1/100 s")
	viaOut := fs.String("via-out", "", "If set, the detections are written as VIA project `file`")
	kittiOut := fs.String("kitti-out", "",
		"If set, the detections are written as KITTI files to this `directory`")

	return func(ctx context.Context, rec recorder) error {
		numInputs := 0
		for _, in := range []string{*boxFile, *viaFile, *kittiLabels} {
			if in != "" {
				numInputs++
			}
		}
		if numInputs != 1 {
			fail("Exactly one of -boxes, -via and -kitti-labels is required")
		}
		if *kittiLabels != "" && *kittiImages == "" {
			fail("-kitti-labels requires -kitti-images")
		}
		if *gifPath != "" && *framesDir == "" {
			fail("-gif requires -frames")
		}
		if (*viaOut != "" || *kittiOut != "") && *framesDir == "" {
			fail("-via-out and -kitti-out require -frames")
		}
		var err error
		if *trainPrefixes != "" {
			ftCfg.TrainRoles = nil
			ftCfg.TrainPrefixes = splitList(*trainPrefixes)
		} else if ftCfg.TrainRoles, err = parseRoles(splitList(*trainRoles)); err != nil {
			fail(err)
		}
		roles, err := parseRoles(splitList(*restoreRoles))
		if err != nil {
			fail(err)
		}
		// Parse splits as cumulative int percentages.
		var cumulativeSplits []int
		splitSum := 0
		for _, s := range splitList(*splits) {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				fail("Invalid split: ", s)
			}
			splitSum += v
			cumulativeSplits = append(cumulativeSplits, splitSum)
		}
		if len(cumulativeSplits) > 0 && splitSum != 100 {
			fail("The split percentages must add up to 100")
		}
		ftCfg.Recorder = rec.loss

		// Read the annotations.
		var examples []detect.Example
		switch {
		case *viaFile != "":
			examples, err = detect.FromVIA(filepath.Clean(*viaFile))
		case *kittiLabels != "":
			examples, err = detect.FromKITTI(filepath.Clean(*kittiLabels), filepath.Clean(*kittiImages))
		default:
			examples, err = detect.FromBoxFile(filepath.Clean(*boxFile), *defaultLabel)
		}
		if err != nil {
			return err
		}
		if err := detect.MapLabels(examples, splitList(*labelMappings)); err != nil {
			return err
		}

		labels := detect.NewLabelMap()
		if *labelMapIn != "" {
			if labels, err = detect.ReadLabelMap(filepath.Clean(*labelMapIn)); err != nil {
				return err
			}
		}
		for _, e := range examples {
			for _, l := range e.Labels {
				labels.Add(l)
			}
		}
		if err := detect.Encode(examples, labels); err != nil {
			return err
		}

		train := examples
		if len(cumulativeSplits) > 0 {
			datasets, err := detect.Split(examples, cumulativeSplits, rand.New(rand.NewSource(cfg.Seed)))
			if err != nil {
				return err
			}
			train = datasets[0]
			log.Printf("Using %d of %d examples for training", len(train), len(examples))
		}

		if *tfrecord != "" {
			mapPath := *labelMapOut
			if mapPath == "" {
				mapPath = *tfrecord + ".pbtxt"
			}
			if err := detect.WriteTFRecord(filepath.Clean(*tfrecord), filepath.Clean(mapPath), train,
				labels, *numShards); err != nil {
				return err
			}
		}

		// Fine-tune.
		d, err := detect.NewDetector(labels, detectorCfg)
		if err != nil {
			return err
		}
		if *restore != "" {
			if err := d.RestoreCheckpoint(filepath.Clean(*restore), roles...); err != nil {
				return err
			}
		}
		res, err := detect.FineTune(ctx, d, train, ftCfg)
		if err != nil {
			return err
		}
		log.Printf("Trained %d variables for %d steps, final loss %.4f", len(res.Trained), res.Steps,
			res.Loss.Total())
		if *save != "" {
			if err := os.MkdirAll(filepath.Dir(*save), 0755); err != nil {
				return errors.Wrap(err, "cannot create checkpoint directory")
			}
			if err := d.SaveCheckpoint(filepath.Clean(*save)); err != nil {
				return err
			}
		}

		if *framesDir == "" {
			return nil
		}

		// Annotate the test frames.
		frames, err := cvlab.FilesByExtInDir(filepath.Clean(*framesDir), *framesExt)
		if err != nil {
			return err
		}
		results, err := detect.AnnotateFrames(d, frames, filepath.Clean(*outDir), *threshold)
		if err != nil {
			return err
		}
		if *gifPath != "" {
			outputs := make([]string, len(results))
			for i, r := range results {
				outputs[i] = r.Output
			}
			if err := detect.WriteGIF(filepath.Clean(*gifPath), outputs, *gifDelay); err != nil {
				return err
			}
		}
		if *viaOut != "" {
			if err := detect.WriteVIA(filepath.Clean(*viaOut), detect.ToVIA(results)); err != nil {
				return err
			}
		}
		if *kittiOut != "" {
			if err := detect.WriteKITTI(filepath.Clean(*kittiOut), results); err != nil {
				return err
			}
		}
		return nil
	}
}
