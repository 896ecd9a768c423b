package detect

// TFRecord object detection specific functionality.

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow

	"github.com/sensorable/cvlab"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures converts a single example to the feature layout of the TensorFlow object
// detection API.
func toTFFeatures(e Example, labels *LabelMap) (TFFeatureMap, error) {
	// Get the image width and height.
	width, height, format, err := cvlab.DecodeImageSize(e.ImagePath)
	if err != nil {
		return nil, err
	}

	// Read the image data.
	imgData, err := cvlab.ReadFile(e.ImagePath)
	if err != nil {
		return nil, err
	}

	// Prepare the feature map for the per file data.
	f := make(TFFeatureMap, 16)
	f["image/height"] = height
	f["image/width"] = width
	f["image/filename"] = e.ImagePath
	f["image/source_id"] = e.ImagePath
	f["image/encoded"] = imgData
	f["image/format"] = format

	// Prepare the per label data.
	numLabels := len(e.Boxes)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classes := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	for i, b := range e.Boxes {
		xmins[i] = float32(b.XMin)
		ymins[i] = float32(b.YMin)
		xmaxs[i] = float32(b.XMax)
		ymaxs[i] = float32(b.YMax)
		classes[i] = e.Labels[i]

		id, ok := labels.ID(e.Labels[i])
		if !ok {
			return nil, errors.Errorf("label %q is not in the label map", e.Labels[i])
		}
		classIDs[i] = int64(id)
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classes
	f["image/object/class/label"] = classIDs

	return f, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write for the examples to one
// or more TFRecord files stored under recordFilePath (with suffixes added when numShards>1).
//
// Labels missing from the label map are added to it. The label map is written to labelMapPath.
// Examples that fail to convert are logged and skipped.
func WriteTFRecord(recordFilePath, labelMapPath string, examples []Example, labels *LabelMap,
	numShards int) (err error) {

	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}
	if len(examples) < numShards {
		numShards = len(examples)
	}
	for _, e := range examples {
		for _, label := range e.Labels {
			labels.Add(label)
		}
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	shardSize := 1
	if numShards > 0 {
		shardSize = int(math.Ceil(float64(len(examples)) / float64(numShards)))
	}
	shardIdx := -1

	// Convert and serialise one example at a time.
	for i, e := range examples {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++

			// Close the previous shard file.
			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return errors.Wrap(err, "failed to close shard")
				}
				shardFile = nil
			}

			// Create the new shard file.
			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return errors.Wrapf(err, "failed to create shard at %q", shardPath)
			}
			shardFile = f
		}

		features, err := toTFFeatures(e, labels)
		if err != nil {
			log.Printf("Failed to convert %q: %v", e.ImagePath, err)
			continue
		}

		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			_ = shardFile.Close()
			return errors.Wrapf(err, "failed to write example %q", e.ImagePath)
		}
	}

	if shardFile != nil {
		if err := shardFile.Close(); err != nil {
			return errors.Wrap(err, "failed to close shard")
		}
	}

	return WriteLabelMap(labelMapPath, labels)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// WriteLabelMap writes labels to path in the StringIntLabelMap prototxt format.
func WriteLabelMap(path string, labels *LabelMap) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create the label map file %q", path)
	}
	defer cvlab.CloseWithErrCheck(file, &err)

	w := bufio.NewWriter(file)
	for id, name := range labels.Names() {
		fmt.Fprintf(w, "item {\n  id: %d\n  name: %s\n}\n", id+1, strconv.Quote(name))
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write the label map %q", path)
	}
	return nil
}

// ReadLabelMap loads a label map written by WriteLabelMap. IDs must be 1..n without gaps.
//
// If an error occurs because the file does not exist, then os.IsNotExist will return true for
// errors.Cause of the error.
func ReadLabelMap(path string) (*LabelMap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open label map %q", path)
	}
	defer file.Close()

	names := make(map[int]string)
	id, name := 0, ""
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "item"):
		case strings.HasPrefix(text, "id:"):
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(text, "id:")))
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
			id = v
		case strings.HasPrefix(text, "name:"):
			v := strings.TrimSpace(strings.TrimPrefix(text, "name:"))
			if strings.HasPrefix(v, "'") {
				v = `"` + strings.Trim(v, "'") + `"`
			}
			if name, err = strconv.Unquote(v); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
		case text == "}":
			if id <= 0 || name == "" {
				return nil, errors.Errorf("%s:%d: invalid entry: %s: %d", path, line, name, id)
			}
			names[id] = name
			id, name = 0, ""
		default:
			return nil, errors.Errorf("%s:%d: unexpected %q", path, line, text)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read label map %q", path)
	}

	labels := NewLabelMap()
	for i := 1; i <= len(names); i++ {
		name, ok := names[i]
		if !ok {
			return nil, errors.Errorf("label map %q has no ID %d", path, i)
		}
		labels.Add(name)
	}
	return labels, nil
}
