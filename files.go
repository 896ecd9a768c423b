package cvlab

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FilesByExtInDir returns all regular files with file extension ext found directly in directory
// dirPath, sorted by name. All files are returned if ext is empty.
func FilesByExtInDir(dirPath, ext string) (files []string, err error) {
	dirInfo, err := os.Stat(dirPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read directory %q", dirPath)
	} else if !dirInfo.IsDir() {
		return nil, errors.Errorf("%q is not a directory", dirPath)
	}
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to access %q", dirPath)
	}
	defer CloseWithErrCheck(dir, &err)

	// Iterate over all files in dir.
	files = make([]string, 0, 100)
	var fileList []os.FileInfo
	for fileList, err = dir.Readdir(100); len(fileList) > 0; fileList, err = dir.Readdir(100) {
		for _, file := range fileList {
			name := file.Name()
			// Must be a regular file or a symlink and have the requested extension.
			if (!file.Mode().IsRegular() && (file.Mode()&os.ModeSymlink == 0)) ||
				!strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
				continue
			}
			files = append(files, filepath.Join(dirPath, name))
		}
	}
	if err != nil && err != io.EOF {
		log.Printf("Failed to access some files in %q: %v", dirPath, err)
	}

	sort.Strings(files)
	return files, nil
}

// SplitPath splits the given file path into the dir name, the base name without extension and
// the extension (without the dot).
func SplitPath(path string) (dir, baseNoExt, ext string, err error) {
	dir, file := filepath.Split(path)
	ext = filepath.Ext(file)
	if ext == "" {
		return "", "", "", errors.Errorf("missing file extension in %q", path)
	}

	dir = strings.TrimSuffix(dir, string(os.PathSeparator))
	baseNoExt = file[0 : len(file)-len(ext)]
	ext = ext[1:]

	return dir, baseNoExt, ext, nil
}

// FilePair is a pair of files sharing the same base name.
type FilePair struct {
	Primary   string // e.g. the image.
	Secondary string // e.g. its mask or annotation file.
}

// PairFilesByName matches the files with extension primaryExt in primaryDir to files with
// extension secondaryExt in secondaryDir by their base name without extension. Files without a
// partner are logged and skipped.
func PairFilesByName(primaryDir, primaryExt, secondaryDir, secondaryExt string) (
	[]FilePair, error) {

	primaries, err := FilesByExtInDir(primaryDir, primaryExt)
	if err != nil {
		return nil, err
	}
	secondaries, err := FilesByExtInDir(secondaryDir, secondaryExt)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]string, len(secondaries))
	for _, path := range secondaries {
		_, baseNoExt, _, err := SplitPath(path)
		if err != nil {
			log.Print(err)
			continue
		}
		byName[baseNoExt] = path
	}

	pairs := make([]FilePair, 0, len(primaries))
	for _, path := range primaries {
		_, baseNoExt, _, err := SplitPath(path)
		if err != nil {
			log.Printf("Skipping %q: %v", path, err)
			continue
		}
		partner, found := byName[baseNoExt]
		if !found {
			log.Printf("No corresponding %s file, skipping %q", secondaryExt, path)
			continue
		}
		pairs = append(pairs, FilePair{Primary: path, Secondary: partner})
	}

	return pairs, nil
}

// ReadFile reads the whole file at path.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read file %q", path)
	}
	return data, nil
}

// openFile opens path for reading with a descriptive error.
func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open file %q", path)
	}
	return f, nil
}

// CloseWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func CloseWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
