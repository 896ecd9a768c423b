package detect

// VGG Image Annotator (VIA) specific functionality.

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// VIAShape describes the shape of an annotation.
type VIAShape struct {
	Name   string `json:"name"`
	X      int32  `json:"x"`
	Y      int32  `json:"y"`
	Width  int32  `json:"width"`
	Height int32  `json:"height"`
}

// VIARegionAnnotation is a single region annotation for a particular image in a VIA file.
type VIARegionAnnotation struct {
	Attributes map[string]string `json:"region_attributes"`
	Shape      VIAShape          `json:"shape_attributes"`
}

// VIAAnnotatedFile defines the VIA annotation structure for a single file.
type VIAAnnotatedFile struct {
	Annotations []VIARegionAnnotation `json:"regions"`
	Attributes  map[string]string     `json:"file_attributes"`
	FilePath    string                `json:"filename"`
	Size        int64                 `json:"size"`
}

// VIAOptionsAttribute defines attributes of type "radio" or "dropdown".
type VIAOptionsAttribute struct {
	Type           string            `json:"type"` // "radio" or "dropdown"
	Description    string            `json:"description"`
	Options        map[string]string `json:"options"`
	DefaultOptions map[string]bool   `json:"default_options"`
}

// VIATextAttribute defines attributes of type "text".
type VIATextAttribute struct {
	Type         string `json:"type"` // "text"
	Description  string `json:"description"`
	DefaultValue string `json:"default_value"`
}

// VIAAttributes defines the VIA attribute metadata.
type VIAAttributes struct {
	Region map[string]interface{} `json:"region"`
	File   map[string]interface{} `json:"file"`
}

// VIAProject defines the VIA project structure.
type VIAProject struct {
	Attributes    VIAAttributes               `json:"_via_attributes"`
	ImageMetadata map[string]VIAAnnotatedFile `json:"_via_img_metadata"`
	// Must exist for VIA to load the project. Default values will be used.
	Settings struct{} `json:"_via_settings"`
}

const (
	viaLabelAttribute      = "Label"      // The attribute key used for labels.
	viaConfidenceAttribute = "Confidence" // The attribute key used for detection scores.
)

// FromVIA reads and parses VIA annotations from the project file at path. Relative image paths
// are resolved against the directory of the project file. Only rectangles are converted; they are
// normalised by the decoded image size. Files are returned sorted by image path.
func FromVIA(path string) ([]Example, error) {
	enc, err := cvlab.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var viaData VIAProject
	if err := json.Unmarshal(enc, &viaData); err != nil {
		return nil, errors.Wrapf(err, "failed to parse VIA input from %q", path)
	}

	examples := make([]Example, 0, len(viaData.ImageMetadata))
	for _, viaFile := range viaData.ImageMetadata {
		e := Example{
			ImagePath: resolvePath(path, viaFile.FilePath),
			Boxes:     make([]Box, 0, len(viaFile.Annotations)),
			Labels:    make([]string, 0, len(viaFile.Annotations)),
		}
		width, height, _, err := cvlab.DecodeImageSize(e.ImagePath)
		if err != nil {
			return nil, err
		}

		for i, a := range viaFile.Annotations {
			if a.Shape.Name != "rect" {
				log.Printf("Skipping %q region %d with shape %q", viaFile.FilePath, i, a.Shape.Name)
				continue
			}
			coords := [4]float64{
				float64(a.Shape.X),
				float64(a.Shape.Y),
				float64(a.Shape.X + a.Shape.Width),
				float64(a.Shape.Y + a.Shape.Height),
			}
			b, err := BoxFromPixels(coords, width, height)
			if err != nil {
				return nil, errors.Wrapf(err, "%q region %d", viaFile.FilePath, i)
			}
			e.Boxes = append(e.Boxes, b)
			e.Labels = append(e.Labels, a.Attributes[viaLabelAttribute])
		}
		examples = append(examples, e)
	}

	sort.Slice(examples, func(i, j int) bool {
		return examples[i].ImagePath < examples[j].ImagePath
	})
	return examples, nil
}

// ToVIA converts detection results to a VIA project, so that they can be reviewed and corrected
// in the annotator. Each detection becomes a rectangle with Label and Confidence attributes.
func ToVIA(results []FrameResult) VIAProject {
	viaData := VIAProject{
		Attributes: VIAAttributes{
			Region: make(map[string]interface{}),
			File:   make(map[string]interface{}),
		},
		ImageMetadata: make(map[string]VIAAnnotatedFile, len(results)),
	}

	// Adds an option to a VIAOptionsAttribute, creating the attribute if necessary.
	addAttrOption := func(attrs map[string]interface{}, attrName, attrType, option string) {
		var attr VIAOptionsAttribute
		if a, ok := attrs[attrName]; ok {
			// Copy the existing attribute.
			if v, ok := a.(VIAOptionsAttribute); ok && v.Type == attrType {
				attr = v
			} else {
				log.Printf("Invalid type %T, expected VIAOptionsAttribute", a)
				return
			}
		} else {
			// Create a new attribute.
			attr = VIAOptionsAttribute{
				Type:           attrType,
				Options:        make(map[string]string),
				DefaultOptions: make(map[string]bool),
			}
		}

		// Add the option value and copy the attribute back into the map.
		attr.Options[option] = ""
		attrs[attrName] = attr
	}

	for _, r := range results {
		viaFile := VIAAnnotatedFile{
			Annotations: make([]VIARegionAnnotation, 0, len(r.Detections)),
			Attributes:  make(map[string]string), // Must not be nil as that becomes JSON null.
			FilePath:    r.Source,
		}
		for _, det := range r.Detections {
			p := det.Box.Pixels(r.Width, r.Height)
			viaObject := VIARegionAnnotation{
				Attributes: map[string]string{
					viaLabelAttribute:      det.Label,
					viaConfidenceAttribute: strconv.FormatFloat(det.Score, 'f', 4, 64),
				},
				Shape: VIAShape{
					Name:   "rect",
					X:      int32(p[0]),
					Y:      int32(p[1]),
					Width:  int32(p[2] - p[0]),
					Height: int32(p[3] - p[1]),
				},
			}

			// Add the label value to the attribute metadata.
			addAttrOption(viaData.Attributes.Region, viaLabelAttribute, "radio", det.Label)
			viaFile.Annotations = append(viaFile.Annotations, viaObject)
		}
		if len(r.Detections) > 0 {
			viaData.Attributes.Region[viaConfidenceAttribute] = VIATextAttribute{Type: "text"}
		}
		viaData.ImageMetadata[viaFile.FilePath] = viaFile
	}

	return viaData
}

// WriteVIA writes the VIA project data to outFile.
func WriteVIA(outFile string, data VIAProject) error {
	enc, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(outFile, enc, 0644); err != nil {
		return errors.Wrapf(err, "cannot write file %q", outFile)
	}
	return nil
}
