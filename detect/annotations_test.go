package detect

import (
	"encoding/json"
	"image"
	"image/color"
	"io/ioutil"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// writeTestImage writes a w x h image with a bright square covering the normalised box b on a
// dark background.
func writeTestImage(t *testing.T, path string, w, h int, b Box) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{20, 20, 40, 255})
	p := b.Pixels(w, h)
	r := image.Rect(int(p[0]), int(p[1]), int(p[2]), int(p[3]))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{250, 220, 0, 255})
		}
	}
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
}

func boxesClose(a, b Box, tol float64) bool {
	return math.Abs(a.YMin-b.YMin) <= tol && math.Abs(a.XMin-b.XMin) <= tol &&
		math.Abs(a.YMax-b.YMax) <= tol && math.Abs(a.XMax-b.XMax) <= tol
}

func TestBox_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   Box
		want Box
		err  bool
	}{
		{"inside", Box{0.1, 0.2, 0.5, 0.6}, Box{0.1, 0.2, 0.5, 0.6}, false},
		{"clamped", Box{-0.2, 0.5, 0.7, 1.3}, Box{0, 0.5, 0.7, 1}, false},
		{"inverted", Box{0.5, 0.2, 0.1, 0.6}, Box{}, true},
		{"empty", Box{0.3, 0.3, 0.3, 0.6}, Box{}, true},
		{"outside", Box{1.2, 0.1, 1.5, 0.2}, Box{}, true},
		{"nan", Box{math.NaN(), 0.1, 0.5, 0.2}, Box{}, true},
	}

	for _, test := range tests {
		got, err := test.in.Normalize()
		if test.err {
			if errors.Cause(err) != ErrInvalidBox {
				t.Errorf("%s: got %v, want ErrInvalidBox", test.name, err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("%s: got %+v, %v, want %+v", test.name, got, err, test.want)
		}
	}
}

func TestBoxFromPixels(t *testing.T) {
	b, err := BoxFromPixels([4]float64{10, 20, 30, 60}, 40, 80)
	if err != nil {
		t.Fatal(err)
	}
	if want := (Box{0.25, 0.25, 0.75, 0.75}); b != want {
		t.Errorf("got %+v, want %+v", b, want)
	}
	if p := b.Pixels(40, 80); p != [4]float64{10, 20, 30, 60} {
		t.Errorf("Pixels = %v", p)
	}
	if _, err := BoxFromPixels([4]float64{0, 0, 1, 1}, 0, 10); errors.Cause(err) != ErrInvalidBox {
		t.Errorf("zero width image: got %v", err)
	}
}

func TestLabelMap(t *testing.T) {
	m := NewLabelMap("duck", "goose", "duck")
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	if id, ok := m.ID("goose"); !ok || id != 2 {
		t.Errorf("ID(goose) = %d, %v", id, ok)
	}
	if m.Name(1) != "duck" || m.Name(3) != "" || m.Name(0) != "" {
		t.Errorf("unexpected names %q %q %q", m.Name(1), m.Name(3), m.Name(0))
	}
	if id := m.Add("swan"); id != 3 {
		t.Errorf("Add(swan) = %d, want 3", id)
	}

	v, err := m.OneHot("goose")
	if err != nil || len(v) != 3 || v[1] != 1 || v[0] != 0 || v[2] != 0 {
		t.Errorf("OneHot(goose) = %v, %v", v, err)
	}
	if _, err := m.OneHot("heron"); err == nil {
		t.Error("expected an error for an unknown label")
	}
}

func TestEncode(t *testing.T) {
	examples := []Example{
		{ImagePath: "a.jpg", Boxes: []Box{{0, 0, 1, 1}}, Labels: []string{"duck"}},
		{ImagePath: "b.jpg", Boxes: []Box{{0, 0, 1, 1}, {0, 0, .5, .5}},
			Labels: []string{"goose", "duck"}},
	}
	if err := Encode(examples, NewLabelMap("duck", "goose")); err != nil {
		t.Fatal(err)
	}
	if c := examples[1].Classes; len(c) != 2 || c[0][1] != 1 || c[1][0] != 1 {
		t.Errorf("classes %v", c)
	}

	bad := []Example{{ImagePath: "c.jpg", Boxes: []Box{{0, 0, 1, 1}}}}
	if err := Encode(bad, NewLabelMap("duck")); err == nil {
		t.Error("expected an error for a missing label")
	}
}

func TestFromBoxFile(t *testing.T) {
	dir := t.TempDir()
	entries := []boxFileEntry{
		{Image: "img1.jpg", Boxes: [][4]float64{{0.27, 0.41, 0.68, 0.58}}},
		{Image: "/abs/img2.jpg", Boxes: [][4]float64{{-0.1, 0.2, 0.5, 0.6}, {0.1, 0.1, 0.2, 0.2}},
			Labels: []string{"goose", "duck"}},
	}
	enc, _ := json.Marshal(entries)
	path := filepath.Join(dir, "boxes.json")
	if err := ioutil.WriteFile(path, enc, 0644); err != nil {
		t.Fatal(err)
	}

	examples, err := FromBoxFile(path, "rubber_ducky")
	if err != nil {
		t.Fatalf("FromBoxFile failed: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("got %d examples", len(examples))
	}
	if examples[0].ImagePath != filepath.Join(dir, "img1.jpg") || examples[1].ImagePath != "/abs/img2.jpg" {
		t.Errorf("paths %q, %q", examples[0].ImagePath, examples[1].ImagePath)
	}
	if examples[0].Labels[0] != "rubber_ducky" || examples[1].Labels[0] != "goose" {
		t.Errorf("labels %v, %v", examples[0].Labels, examples[1].Labels)
	}
	if examples[1].Boxes[0].YMin != 0 {
		t.Errorf("box not clamped: %+v", examples[1].Boxes[0])
	}

	// Inverted boxes are rejected.
	enc, _ = json.Marshal([]boxFileEntry{{Image: "x.jpg", Boxes: [][4]float64{{0.5, 0.5, 0.2, 0.6}}}})
	if err := ioutil.WriteFile(path, enc, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromBoxFile(path, "duck"); errors.Cause(err) != ErrInvalidBox {
		t.Errorf("got %v, want ErrInvalidBox", err)
	}

	if _, err := FromBoxFile(filepath.Join(dir, "missing.json"), "duck"); err == nil ||
		!os.IsNotExist(errors.Cause(err)) {
		t.Errorf("missing file: got %v", err)
	}
}

func TestMapLabels(t *testing.T) {
	examples := []Example{
		{Labels: []string{"rubber_ducky", "goose"}},
		{Labels: []string{"ducky"}},
	}
	if err := MapLabels(examples, []string{"rubber_=", "ducky=duck"}); err != nil {
		t.Fatal(err)
	}
	if examples[0].Labels[0] != "duck" || examples[0].Labels[1] != "goose" ||
		examples[1].Labels[0] != "duck" {
		t.Errorf("mapped labels %v %v", examples[0].Labels, examples[1].Labels)
	}
	if err := MapLabels(examples, []string{"invalid"}); err == nil {
		t.Error("expected an error for an invalid mapping")
	}
}

func TestSplit(t *testing.T) {
	examples := make([]Example, 200)
	sets, err := Split(examples, []int{80, 100}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 || len(sets[0])+len(sets[1]) != 200 {
		t.Fatalf("split sizes %d", len(sets))
	}
	if len(sets[0]) < 130 || len(sets[0]) > 190 {
		t.Errorf("unbalanced split: %d / %d", len(sets[0]), len(sets[1]))
	}

	if _, err := Split(examples, []int{50, 90}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected an error for splits not adding up to 100")
	}
}
