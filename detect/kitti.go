package detect

// KITTI specific functionality.

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// KITTIAnnotation is a single annotation within a KITTI file.
type KITTIAnnotation struct {
	Coords [4]float64 // x1, y1, x2, y2 in pixels.
	Label  string
	Score  float64 // Optional confidence value.
}

// FromKITTI reads the KITTI label files (*.txt) in labelDir and matches them to the images in
// imageDir with the same base name. Label files without an image and malformed lines are logged
// and skipped.
func FromKITTI(labelDir, imageDir string) ([]Example, error) {
	labelFiles, err := cvlab.FilesByExtInDir(labelDir, ".txt")
	if err != nil {
		return nil, err
	}
	log.Printf("Parsing KITTI labels for %d files", len(labelFiles))

	// Map the base file names of the images to their paths.
	imageFiles, err := cvlab.FilesByExtInDir(imageDir, "")
	if err != nil {
		return nil, err
	}
	images := make(map[string]string, len(imageFiles))
	for _, path := range imageFiles {
		if _, baseNoExt, _, err := cvlab.SplitPath(path); err == nil {
			images[baseNoExt] = path
		}
	}

	examples := make([]Example, 0, len(labelFiles))
	for _, path := range labelFiles {
		_, baseNoExt, _, err := cvlab.SplitPath(path)
		if err != nil {
			log.Print(err)
			continue
		}
		imagePath, found := images[baseNoExt]
		if !found {
			log.Print("Could not find the corresponding image file, skipping ", path)
			continue
		}
		width, height, _, err := cvlab.DecodeImageSize(imagePath)
		if err != nil {
			log.Printf("Skipping %q: %v", path, err)
			continue
		}

		lines, err := readLines(path)
		if err != nil {
			log.Printf("Error while parsing, skipping %q: %v", path, err)
			continue
		}

		e := Example{ImagePath: imagePath}
		for _, line := range lines {
			a, err := parseKITTIAnnotation(line)
			if err != nil {
				log.Printf("Skipping annotation in %q: %v", path, err)
				continue
			}
			b, err := BoxFromPixels(a.Coords, width, height)
			if err != nil {
				log.Printf("Skipping annotation in %q: %v", path, err)
				continue
			}
			e.Boxes = append(e.Boxes, b)
			e.Labels = append(e.Labels, a.Label)
		}
		examples = append(examples, e)
	}

	return examples, nil
}

// readLines returns the non-empty lines of the file at path.
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// parseKITTIAnnotation parses the line of values for a single annotation.
func parseKITTIAnnotation(line string) (KITTIAnnotation, error) {
	a := KITTIAnnotation{}

	tokens := strings.Fields(line)
	if len(tokens) < 8 {
		return a, errors.Errorf("insufficient tokens in %q", line)
	}

	a.Label = tokens[0]
	var err error
	for i := 4; i < 8 && err == nil; i++ {
		a.Coords[i-4], err = strconv.ParseFloat(tokens[i], 64)
	}
	if err != nil {
		return a, errors.Errorf("unexpected values in %q: %v", line, err)
	}

	// Parse the optional confidence score.
	if len(tokens) >= 16 {
		if a.Score, err = strconv.ParseFloat(tokens[15], 64); err != nil {
			return a, errors.Errorf("unexpected score format in %q: %v", line, err)
		}
	}

	return a, nil
}

// WriteKITTI writes the detections of results to dirPath, one label file per frame named after
// the source image. Coordinates are in pixels of the frame and the score is the last value.
func WriteKITTI(dirPath string, results []FrameResult) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return errors.Wrapf(err, "cannot create directory %q", dirPath)
	}

	for _, r := range results {
		// Use the image file name with .txt extension as label file name.
		_, baseNoExt, _, err := cvlab.SplitPath(r.Source)
		if err != nil {
			return err
		}
		if err := writeKITTIFile(filepath.Join(dirPath, baseNoExt+".txt"), r); err != nil {
			return err
		}
	}

	return nil
}

func writeKITTIFile(path string, r FrameResult) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer cvlab.CloseWithErrCheck(file, &err)

	for _, det := range r.Detections {
		c := det.Box.Pixels(r.Width, r.Height)
		_, err = fmt.Fprintf(file,
			"%s 0.0 0 0.0 %.2f %.2f %.2f %.2f 0.0 0.0 0.0 0.0 0.0 0.0 0.0 %f\n",
			det.Label, c[0], c[1], c[2], c[3], det.Score)
		if err != nil {
			return err
		}
	}
	return nil
}
