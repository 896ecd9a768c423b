package detect

import (
	"encoding/binary"
	"image/gif"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow

	"github.com/sensorable/cvlab"
)

func TestCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.pb")
	src := testDetector(t, 1, "duck", "goose")
	if err := src.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Restore everything.
	dst := testDetector(t, 2, "duck", "goose")
	if err := dst.RestoreCheckpoint(path); err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	for i, v := range dst.Variables() {
		want := src.Variables()[i].Value.Values()
		for j, x := range v.Value.Values() {
			if float64(float32(want[j])) != x {
				t.Fatalf("%s[%d] = %v, want %v", v.Name, j, x, want[j])
			}
		}
	}

	// Restore the backbone and box head only.
	partial := testDetector(t, 3, "duck", "goose")
	before := snapshot(partial.Variables())
	if err := partial.RestoreCheckpoint(path, RoleBackbone, RoleBoxHead); err != nil {
		t.Fatal(err)
	}
	for i, v := range partial.Variables() {
		same := v.Value.Values()[0] == before[i][0]
		if v.Role == RoleClassHead && !same && v.Name != ClassHeadScope+"/ClassPredictor/biases" {
			t.Errorf("%s was restored", v.Name)
		}
		if v.Role == RoleBoxHead && v.Value.Values()[0] != float64(float32(src.Variables()[i].Value.Values()[0])) {
			t.Errorf("%s was not restored", v.Name)
		}
	}

	// A checkpoint for a different number of classes only fits the backbone.
	other := testDetector(t, 4, "duck")
	before = snapshot(other.Variables())
	if err := other.RestoreCheckpoint(path); errors.Cause(err) != cvlab.ErrShapeMismatch {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
	for i, v := range other.Variables() {
		for j, x := range v.Value.Values() {
			if x != before[i][j] {
				t.Fatalf("%s was modified by a failed restore", v.Name)
			}
		}
	}
	if err := other.RestoreCheckpoint(path, RoleBackbone); err != nil {
		t.Errorf("restoring the backbone failed: %v", err)
	}

	if err := other.RestoreCheckpoint(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing checkpoint")
	}
}

func TestRestoreCheckpoint_MissingOrMistypedVariables(t *testing.T) {
	d := testDetector(t, 1, "duck")
	before := snapshot(d.Variables())
	dir := t.TempDir()

	write := func(name string, ex *tensorflow.Example) string {
		enc, err := proto.Marshal(ex)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, name)
		if err := ioutil.WriteFile(path, enc, 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	// Every variable stored as an int64 list instead of a float list.
	features := make(map[string]interface{})
	for _, v := range d.Variables() {
		features[v.Name] = []int64{1}
	}
	mistyped := example.New(features)

	for _, path := range []string{
		write("empty.pb", &tensorflow.Example{}),
		write("mistyped.pb", mistyped),
	} {
		if err := d.RestoreCheckpoint(path); err == nil {
			t.Errorf("%s: expected an error", filepath.Base(path))
		}
	}
	for i, v := range d.Variables() {
		for j, x := range v.Value.Values() {
			if x != before[i][j] {
				t.Fatalf("%s was modified by a failed restore", v.Name)
			}
		}
	}
}

// readTFRecords parses the records of a TFRecord file without checking the CRCs.
func readTFRecords(t *testing.T, path string) []*tensorflow.Example {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var examples []*tensorflow.Example
	for len(data) > 0 {
		if len(data) < 12 {
			t.Fatalf("truncated record header in %q", path)
		}
		n := int(binary.LittleEndian.Uint64(data))
		if len(data) < 12+n+4 {
			t.Fatalf("truncated record in %q", path)
		}
		var e tensorflow.Example
		if err := proto.Unmarshal(data[12:12+n], &e); err != nil {
			t.Fatal(err)
		}
		examples = append(examples, &e)
		data = data[12+n+4:]
	}
	return examples
}

func TestWriteTFRecord(t *testing.T) {
	dir := t.TempDir()
	var examples []Example
	for i, name := range []string{"a.jpg", "b.png", "c.jpg"} {
		path := filepath.Join(dir, name)
		b := Box{0.1 * float64(i), 0.2, 0.6, 0.9}
		writeTestImage(t, path, 40, 30, b)
		examples = append(examples, Example{ImagePath: path, Boxes: []Box{b},
			Labels: []string{[]string{"duck", "goose", "duck"}[i]}})
	}

	labels := NewLabelMap("swan")
	record := filepath.Join(dir, "train.record")
	labelMap := filepath.Join(dir, "label_map.pbtxt")
	if err := WriteTFRecord(record, labelMap, examples, labels, 1); err != nil {
		t.Fatalf("WriteTFRecord failed: %v", err)
	}

	records := readTFRecords(t, record)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	f := records[1].GetFeatures().GetFeature()
	if ids := int64Values(f["image/object/class/label"]); len(ids) != 1 || ids[0] != 3 {
		t.Errorf("class ids %v, want [3]", ids)
	}
	if text := bytesValues(f["image/object/class/text"]); len(text) != 1 || string(text[0]) != "goose" {
		t.Errorf("class text %q", text)
	}
	if w := int64Values(f["image/width"]); len(w) != 1 || w[0] != 40 {
		t.Errorf("width %v", w)
	}
	if format := bytesValues(f["image/format"]); len(format) != 1 || string(format[0]) != "png" {
		t.Errorf("format %q", format)
	}
	if ymin := floatValues(f["image/object/bbox/ymin"]); len(ymin) != 1 ||
		math.Abs(float64(ymin[0])-0.1) > 1e-6 {
		t.Errorf("ymin %v", ymin)
	}

	read, err := ReadLabelMap(labelMap)
	if err != nil {
		t.Fatalf("ReadLabelMap failed: %v", err)
	}
	if !equalStrings(read.Names(), []string{"swan", "duck", "goose"}) {
		t.Errorf("label map %v", read.Names())
	}

	// Sharding.
	if err := WriteTFRecord(record, labelMap, examples, labels, 2); err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, suffix := range []string{"-00000-of-00002", "-00001-of-00002"} {
		n += len(readTFRecords(t, record+suffix))
	}
	if n != 3 {
		t.Errorf("got %d records in the shards, want 3", n)
	}
}

func TestReadLabelMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label_map.pbtxt")
	text := "# rubber ducks\nitem {\n  id: 2\n  name: 'goose'\n}\nitem {\n  name: \"duck\"\n  id: 1\n}\n"
	if err := ioutil.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	labels, err := ReadLabelMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(labels.Names(), []string{"duck", "goose"}) {
		t.Errorf("got %v", labels.Names())
	}

	if err := ioutil.WriteFile(path, []byte("item {\n  id: 3\n  name: 'x'\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLabelMap(path); err == nil {
		t.Error("expected an error for a gap in the IDs")
	}

	_, err = ReadLabelMap(filepath.Join(t.TempDir(), "missing.pbtxt"))
	if !os.IsNotExist(errors.Cause(err)) {
		t.Errorf("missing file: got %v", err)
	}
}

func TestFromVIA(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "duck.jpg"), 100, 50, Box{0, 0, 1, 1})
	project := `{
  "_via_attributes": {"region": {}, "file": {}},
  "_via_settings": {},
  "_via_img_metadata": {
    "duck.jpg": {
      "filename": "duck.jpg",
      "size": 0,
      "file_attributes": {},
      "regions": [
        {"shape_attributes": {"name": "rect", "x": 10, "y": 5, "width": 40, "height": 20},
         "region_attributes": {"Label": "duck"}},
        {"shape_attributes": {"name": "circle", "x": 10, "y": 5},
         "region_attributes": {"Label": "duck"}}
      ]
    }
  }
}`
	path := filepath.Join(dir, "via.json")
	if err := ioutil.WriteFile(path, []byte(project), 0644); err != nil {
		t.Fatal(err)
	}

	examples, err := FromVIA(path)
	if err != nil {
		t.Fatalf("FromVIA failed: %v", err)
	}
	if len(examples) != 1 || len(examples[0].Boxes) != 1 {
		t.Fatalf("got %+v", examples)
	}
	if want := (Box{0.1, 0.1, 0.5, 0.5}); !boxesClose(examples[0].Boxes[0], want, 1e-12) {
		t.Errorf("box %+v, want %+v", examples[0].Boxes[0], want)
	}
	if examples[0].Labels[0] != "duck" || examples[0].ImagePath != filepath.Join(dir, "duck.jpg") {
		t.Errorf("example %+v", examples[0])
	}
}

func TestAnnotateFramesAndExports(t *testing.T) {
	dir := t.TempDir()
	var frames []string
	for i, size := range [][2]int{{32, 24}, {40, 30}, {24, 24}} {
		path := filepath.Join(dir, []string{"f0.jpg", "f1.jpg", "f2.png"}[i])
		writeTestImage(t, path, size[0], size[1], Box{0.2, 0.2, 0.7, 0.6})
		frames = append(frames, path)
	}
	d := testDetector(t, 5, "duck", "goose")
	outDir := filepath.Join(dir, "out")

	results, err := AnnotateFrames(d, frames, outDir, 0)
	if err != nil {
		t.Fatalf("AnnotateFrames failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	var outputs []string
	for i, r := range results {
		if r.Source != frames[i] || filepath.Base(r.Output) != []string{"frame_000.jpg", "frame_001.jpg", "frame_002.jpg"}[i] {
			t.Errorf("result %d: %+v", i, r)
		}
		if len(r.Detections) != 2 {
			t.Errorf("result %d: %d detections with threshold 0", i, len(r.Detections))
		}
		w, h, _, err := cvlab.DecodeImageSize(r.Output)
		if err != nil || w != r.Width || h != r.Height {
			t.Errorf("output %q: %dx%d, %v", r.Output, w, h, err)
		}
		outputs = append(outputs, r.Output)
	}

	none, err := AnnotateFrames(d, frames[:1], outDir, 1.1)
	if err != nil || len(none[0].Detections) != 0 {
		t.Errorf("threshold above 1: %+v, %v", none, err)
	}
	if _, err := AnnotateFrames(d, []string{filepath.Join(dir, "missing.jpg")}, outDir, 0); err == nil {
		t.Error("expected an error for a missing frame")
	}

	// GIF assembly.
	gifPath := filepath.Join(dir, "anim.gif")
	if err := WriteGIF(gifPath, outputs, 25); err != nil {
		t.Fatalf("WriteGIF failed: %v", err)
	}
	file, err := os.Open(gifPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	anim, err := gif.DecodeAll(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(anim.Image) != 3 || anim.Delay[2] != 25 {
		t.Errorf("got %d frames, delays %v", len(anim.Image), anim.Delay)
	}
	for _, frame := range anim.Image {
		if frame.Bounds().Dx() != 32 || frame.Bounds().Dy() != 24 {
			t.Errorf("frame size %v, want 32x24", frame.Bounds())
		}
	}
	if err := WriteGIF(gifPath, nil, 25); err == nil {
		t.Error("expected an error without frames")
	}

	// VIA export.
	viaPath := filepath.Join(dir, "predictions.json")
	if err := WriteVIA(viaPath, ToVIA(results)); err != nil {
		t.Fatalf("WriteVIA failed: %v", err)
	}
	enc, _ := ioutil.ReadFile(viaPath)
	if !strings.Contains(string(enc), `"Confidence"`) || !strings.Contains(string(enc), `"goose"`) {
		t.Errorf("unexpected VIA output %s", enc)
	}
	reread, err := FromVIA(viaPath)
	if err != nil {
		t.Fatalf("FromVIA of the export failed: %v", err)
	}
	if len(reread) != 3 {
		t.Errorf("re-read %d files", len(reread))
	}
}

func TestKITTI(t *testing.T) {
	dir := t.TempDir()
	imageDir, labelDir := filepath.Join(dir, "images"), filepath.Join(dir, "labels")
	for _, d := range []string{imageDir, labelDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeTestImage(t, filepath.Join(imageDir, "a.png"), 40, 20, Box{0.1, 0.1, 0.5, 0.5})
	writeTestImage(t, filepath.Join(imageDir, "b.jpg"), 40, 20, Box{0.1, 0.1, 0.5, 0.5})

	labels := map[string]string{
		"a.txt": "duck 0.0 0 0.0 4.00 2.00 20.00 10.00 0.0 0.0 0.0 0.0 0.0 0.0 0.0 0.9\n" +
			"broken line\n" +
			"\n" +
			"goose 0.0 0 0.0 0 0 40 20\n",
		"b.txt":       "duck 0.0 0 0.0 x 2 20 10\n",
		"missing.txt": "duck 0.0 0 0.0 4 2 20 10\n",
	}
	for name, content := range labels {
		if err := ioutil.WriteFile(filepath.Join(labelDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	examples, err := FromKITTI(labelDir, imageDir)
	if err != nil {
		t.Fatalf("FromKITTI failed: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("got %d examples, want 2: %+v", len(examples), examples)
	}
	a, b := examples[0], examples[1]
	if a.ImagePath != filepath.Join(imageDir, "a.png") || b.ImagePath != filepath.Join(imageDir, "b.jpg") {
		t.Errorf("image paths %q, %q", a.ImagePath, b.ImagePath)
	}
	if len(a.Boxes) != 2 || a.Labels[0] != "duck" || a.Labels[1] != "goose" {
		t.Fatalf("example a: %+v", a)
	}
	if !boxesClose(a.Boxes[0], Box{0.1, 0.1, 0.5, 0.5}, 1e-9) ||
		!boxesClose(a.Boxes[1], Box{0, 0, 1, 1}, 1e-9) {
		t.Errorf("boxes %+v", a.Boxes)
	}
	if len(b.Boxes) != 0 {
		t.Errorf("malformed annotation parsed: %+v", b)
	}

	// Detections are written in pixels with the score last and read back.
	outDir := filepath.Join(dir, "out")
	results := []FrameResult{{
		Source: filepath.Join(imageDir, "a.png"),
		Width:  40,
		Height: 20,
		Detections: []Detection{
			{Class: 1, Label: "duck", Box: Box{0.1, 0.1, 0.5, 0.5}, Score: 0.75},
		},
	}}
	if err := WriteKITTI(outDir, results); err != nil {
		t.Fatalf("WriteKITTI failed: %v", err)
	}
	enc, err := ioutil.ReadFile(filepath.Join(outDir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(enc))
	if !strings.HasPrefix(line, "duck 0.0 0 0.0 4.00 2.00 20.00 10.00 ") ||
		!strings.HasSuffix(line, " 0.750000") {
		t.Errorf("KITTI line %q", line)
	}
	parsed, err := parseKITTIAnnotation(line)
	if err != nil || parsed.Score != 0.75 || parsed.Coords != [4]float64{4, 2, 20, 10} {
		t.Errorf("parsed %+v, %v", parsed, err)
	}
}
