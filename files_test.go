package cvlab

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func touch(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFilesByExtInDir(t *testing.T) {
	dir := t.TempDir()
	touch(t,
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "c.png"),
		filepath.Join(dir, "sub", "d.jpg"),
	)

	files, err := FilesByExtInDir(dir, ".jpg")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.JPG"), filepath.Join(dir, "b.jpg")}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Errorf("got %v, want %v", files, want)
	}

	all, err := FilesByExtInDir(dir, "")
	if err != nil || len(all) != 3 {
		t.Errorf("got %v, %v", all, err)
	}

	if _, err := FilesByExtInDir(filepath.Join(dir, "missing"), ".jpg"); err == nil {
		t.Error("listed a missing directory")
	}
	if _, err := FilesByExtInDir(filepath.Join(dir, "c.png"), ".jpg"); err == nil {
		t.Error("listed a regular file")
	}
}

func TestSplitPath(t *testing.T) {
	dir, base, ext, err := SplitPath(filepath.Join("data", "images", "cat.1.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join("data", "images") || base != "cat.1" || ext != "jpg" {
		t.Errorf("got %q, %q, %q", dir, base, ext)
	}
	if _, _, _, err := SplitPath("README"); err == nil {
		t.Error("accepted a path without extension")
	}
}

func TestPairFilesByName(t *testing.T) {
	dir := t.TempDir()
	images, masks := filepath.Join(dir, "images"), filepath.Join(dir, "masks")
	touch(t,
		filepath.Join(images, "cat_1.jpg"),
		filepath.Join(images, "cat_2.jpg"),
		filepath.Join(images, "dog_1.jpg"),
		filepath.Join(masks, "cat_1.png"),
		filepath.Join(masks, "dog_1.png"),
		filepath.Join(masks, "dog_2.png"),
	)

	pairs, err := PairFilesByName(images, ".jpg", masks, ".png")
	if err != nil {
		t.Fatal(err)
	}
	want := []FilePair{
		{filepath.Join(images, "cat_1.jpg"), filepath.Join(masks, "cat_1.png")},
		{filepath.Join(images, "dog_1.jpg"), filepath.Join(masks, "dog_1.png")},
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pair %d = %v, want %v", i, pairs[i], want[i])
		}
	}
}

type failingCloser struct{ err error }

func (c failingCloser) Close() error { return c.err }

func TestCloseWithErrCheck(t *testing.T) {
	closeErr := errors.New("close failed")
	earlier := errors.New("earlier")

	var err error
	CloseWithErrCheck(failingCloser{closeErr}, &err)
	if err != closeErr {
		t.Errorf("got %v, want the close error", err)
	}

	err = earlier
	CloseWithErrCheck(failingCloser{closeErr}, &err)
	if err != earlier {
		t.Errorf("got %v, the earlier error must be kept", err)
	}

	err = nil
	CloseWithErrCheck(failingCloser{}, &err)
	if err != nil {
		t.Errorf("got %v", err)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := ioutil.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	data, err := ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("got %q, %v", data, err)
	}
	if _, err := ReadFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("read a missing file")
	}
}
