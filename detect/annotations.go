package detect

// Bounding box annotations and the label map.

import (
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// ErrInvalidBox is returned for degenerate or inverted bounding boxes.
const ErrInvalidBox = cvlab.Error("invalid bounding box")

// Box is a bounding box in coordinates normalised by the image height and width, with the
// origin in the top-left corner.
type Box struct {
	YMin, XMin, YMax, XMax float64
}

// Width is the normalised box width.
func (b Box) Width() float64 {
	return b.XMax - b.XMin
}

// Height is the normalised box height.
func (b Box) Height() float64 {
	return b.YMax - b.YMin
}

// Center returns the normalised box center.
func (b Box) Center() (y, x float64) {
	return (b.YMin + b.YMax) / 2, (b.XMin + b.XMax) / 2
}

// Normalize clamps b to [0,1] and returns an ErrInvalidBox error if the result has no area.
func (b Box) Normalize() (Box, error) {
	for _, v := range [4]float64{b.YMin, b.XMin, b.YMax, b.XMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Box{}, errors.Wrapf(ErrInvalidBox, "non-finite coordinates %+v", b)
		}
	}
	clamp := func(v float64) float64 {
		return math.Min(1, math.Max(0, v))
	}
	n := Box{clamp(b.YMin), clamp(b.XMin), clamp(b.YMax), clamp(b.XMax)}
	if n.YMax <= n.YMin || n.XMax <= n.XMin {
		return Box{}, errors.Wrapf(ErrInvalidBox, "%+v", b)
	}
	return n, nil
}

// Pixels returns the box in absolute x1, y1, x2, y2 pixel coordinates for an image of the given
// size.
func (b Box) Pixels(width, height int) [4]float64 {
	w, h := float64(width), float64(height)
	return [4]float64{b.XMin * w, b.YMin * h, b.XMax * w, b.YMax * h}
}

// BoxFromPixels normalises the absolute pixel coordinates x1, y1, x2, y2.
func BoxFromPixels(coords [4]float64, width, height int) (Box, error) {
	if width <= 0 || height <= 0 {
		return Box{}, errors.Wrapf(ErrInvalidBox, "image size %dx%d", width, height)
	}
	w, h := float64(width), float64(height)
	return Box{
		YMin: coords[1] / h,
		XMin: coords[0] / w,
		YMax: coords[3] / h,
		XMax: coords[2] / w,
	}.Normalize()
}

// Example is an annotated training image.
type Example struct {
	ImagePath string
	Boxes     []Box
	Labels    []string    // The label of each box.
	Classes   [][]float64 // One-hot class vectors of each box, set by Encode.
}

// LabelMap assigns the IDs 1..n to class names. ID 0 is reserved for the background.
type LabelMap struct {
	names []string
	ids   map[string]int
}

// NewLabelMap returns a label map with the given class names in ID order. Duplicates are
// ignored.
func NewLabelMap(names ...string) *LabelMap {
	m := &LabelMap{ids: make(map[string]int, len(names))}
	for _, name := range names {
		m.Add(name)
	}
	return m
}

// Add returns the ID of name, assigning the next free ID if name is not mapped yet.
func (m *LabelMap) Add(name string) int {
	if id, ok := m.ids[name]; ok {
		return id
	}
	m.names = append(m.names, name)
	m.ids[name] = len(m.names)
	return len(m.names)
}

// ID returns the ID of name.
func (m *LabelMap) ID(name string) (int, bool) {
	id, ok := m.ids[name]
	return id, ok
}

// Name returns the class name of id, or "" if it is not mapped.
func (m *LabelMap) Name(id int) string {
	if id < 1 || id > len(m.names) {
		return ""
	}
	return m.names[id-1]
}

// Len is the number of classes.
func (m *LabelMap) Len() int {
	return len(m.names)
}

// Names returns the class names in ID order.
func (m *LabelMap) Names() []string {
	return append([]string(nil), m.names...)
}

// OneHot returns the one-hot vector of length Len() for label. Index i corresponds to ID i+1.
func (m *LabelMap) OneHot(label string) ([]float64, error) {
	id, ok := m.ids[label]
	if !ok {
		return nil, errors.Errorf("label %q is not in the label map", label)
	}
	v := make([]float64, len(m.names))
	v[id-1] = 1
	return v, nil
}

// Encode sets the one-hot Classes of every example from its Labels.
func Encode(examples []Example, labels *LabelMap) error {
	for i := range examples {
		e := &examples[i]
		if len(e.Labels) != len(e.Boxes) {
			return errors.Errorf("%q: %d labels for %d boxes", e.ImagePath, len(e.Labels),
				len(e.Boxes))
		}
		e.Classes = make([][]float64, len(e.Labels))
		for j, label := range e.Labels {
			v, err := labels.OneHot(label)
			if err != nil {
				return errors.Wrapf(err, "%q", e.ImagePath)
			}
			e.Classes[j] = v
		}
	}
	return nil
}

// boxFileEntry is the JSON format of one image in a box file.
type boxFileEntry struct {
	Image  string       `json:"image"`
	Boxes  [][4]float64 `json:"boxes"` // Normalised [ymin, xmin, ymax, xmax].
	Labels []string     `json:"labels"`
}

// FromBoxFile reads a JSON list of images with normalised [ymin, xmin, ymax, xmax] boxes, as
// written by the box annotation widget. Boxes without a label get defaultLabel. Relative image
// paths are resolved against the directory of the box file.
//
// Boxes are clamped to [0,1]; inverted or empty boxes are an error.
func FromBoxFile(path, defaultLabel string) ([]Example, error) {
	enc, err := cvlab.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []boxFileEntry
	if err := json.Unmarshal(enc, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to parse box file %q", path)
	}

	examples := make([]Example, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Labels) != 0 && len(entry.Labels) != len(entry.Boxes) {
			return nil, errors.Errorf("%q: %d labels for %d boxes", entry.Image, len(entry.Labels),
				len(entry.Boxes))
		}

		e := Example{
			ImagePath: resolvePath(path, entry.Image),
			Boxes:     make([]Box, 0, len(entry.Boxes)),
			Labels:    make([]string, 0, len(entry.Boxes)),
		}
		for i, c := range entry.Boxes {
			b, err := Box{c[0], c[1], c[2], c[3]}.Normalize()
			if err != nil {
				return nil, errors.Wrapf(err, "%q box %d", entry.Image, i)
			}
			label := defaultLabel
			if len(entry.Labels) > 0 {
				label = entry.Labels[i]
			}
			e.Boxes = append(e.Boxes, b)
			e.Labels = append(e.Labels, label)
		}
		examples = append(examples, e)
	}

	return examples, nil
}

// resolvePath resolves path relative to the directory of the file ref.
func resolvePath(ref, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(ref), path)
}

// MapLabels replaces label (sub-)strings with substitution values, as specified in mappings.
//
// The format of mappings is old=new.
func MapLabels(examples []Example, mappings []string) error {
	if len(mappings) == 0 {
		return nil
	}

	// Extract the individual old and new strings to map between.
	replacements := make([]struct{ old, new string }, len(mappings))
	for i, v := range mappings {
		a := strings.Split(v, "=")
		if len(a) != 2 {
			return errors.Errorf("invalid mapping: %v", v)
		}

		replacements[i].old = a[0]
		replacements[i].new = a[1]
	}

	// Apply the replacements, in order, to all labels.
	count := 0
	for _, e := range examples {
		for i, oldLabel := range e.Labels {
			label := oldLabel
			for _, r := range replacements {
				label = strings.Replace(label, r.old, r.new, -1)
			}

			if label != oldLabel {
				e.Labels[i] = label
				count++
			}
		}
	}

	log.Printf("The label mappings changed %d labels", count)
	return nil
}

// Split randomly splits the examples into multiple datasets.
//
// The cumulativeSplits specify the cumulative distribution according to which the examples are
// split into the returned datasets. Its values must add up to 100.
func Split(examples []Example, cumulativeSplits []int, rng *rand.Rand) ([][]Example, error) {
	datasets := make([][]Example, len(cumulativeSplits))

	// Allocate slightly more than the expected size for each dataset.
	var sum int
	for i, s := range cumulativeSplits {
		percent := s - sum
		if percent < 0 {
			return nil, errors.Errorf("the split percentages are not cumulative: %v",
				cumulativeSplits)
		}
		datasets[i] = make([]Example, 0, int(1.05*float64(percent)/100*float64(len(examples))))
		sum = s
	}
	if sum != 100 {
		return nil, errors.New("the split percentages do not add up to 100")
	}

outer:
	for _, e := range examples {
		r := rng.Intn(100)
		for i, s := range cumulativeSplits {
			if r < s {
				datasets[i] = append(datasets[i], e)
				continue outer
			}
		}
	}

	return datasets, nil
}
