package detect

// Checkpoints store the detector variables as a serialised tf.Example with one float list
// feature per variable name and an int64 list feature with its shape.

import (
	"fmt"
	"io/ioutil"
	"log"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow

	"github.com/sensorable/cvlab"
)

const shapeSuffix = ":shape"

// SaveCheckpoint writes all variables of d to path.
func (d *Detector) SaveCheckpoint(path string) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	features := make(map[string]interface{}, 2*len(d.vars))
	for _, v := range d.vars {
		values := make([]float32, v.Value.Len())
		for i, x := range v.Value.Values() {
			values[i] = float32(x)
		}
		shape := make([]int64, 0, v.Value.Dims())
		for _, s := range v.Value.Shape() {
			shape = append(shape, int64(s))
		}
		features[v.Name] = values
		features[v.Name+shapeSuffix] = shape
	}

	enc, err := proto.Marshal(example.New(features))
	if err != nil {
		return errors.Wrap(err, "failed to serialise the checkpoint")
	}
	if err := ioutil.WriteFile(path, enc, 0644); err != nil {
		return errors.Wrapf(err, "cannot write checkpoint %q", path)
	}
	return nil
}

// RestoreCheckpoint loads the variables with one of the given roles from the checkpoint at path,
// or all variables if no role is given. Variables of other roles keep their values, which allows
// restoring a pretrained backbone and box head while the class head starts fresh for a new set
// of classes.
//
// Every restored variable must be present in the checkpoint with the same shape; otherwise no
// variable is modified.
func (d *Detector) RestoreCheckpoint(path string, roles ...Role) error {
	enc, err := cvlab.ReadFile(path)
	if err != nil {
		return err
	}
	var ex tensorflow.Example
	if err := proto.Unmarshal(enc, &ex); err != nil {
		return errors.Wrapf(err, "failed to parse checkpoint %q", path)
	}
	features := ex.GetFeatures().GetFeature()

	vars := d.vars
	if len(roles) > 0 {
		if vars, err = FilterByRole(d.vars, roles...); err != nil {
			return err
		}
	}

	// Validate everything before modifying any variable.
	restored := make([][]float32, len(vars))
	for i, v := range vars {
		values := floatValues(features[v.Name])
		if values == nil {
			return errors.Errorf("checkpoint %q has no variable %q", path, v.Name)
		}
		shape := int64Values(features[v.Name+shapeSuffix])
		if !sameShape(shape, v.Value.Shape()) || len(values) != v.Value.Len() {
			return errors.Wrapf(cvlab.ErrShapeMismatch, "variable %q: checkpoint shape %v, want %v",
				v.Name, shape, v.Value.Shape())
		}
		restored[i] = values
	}

	for i, v := range vars {
		dst := v.Value.Values()
		for j, x := range restored[i] {
			dst[j] = float64(x)
		}
	}
	log.Printf("Restored %d variables from %q", len(vars), path)
	return nil
}

func sameShape(a []int64, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != int64(b[i]) {
			return false
		}
	}
	return true
}

// floatValues returns the float list of f, or nil if f holds no float list.
func floatValues(f *tensorflow.Feature) []float32 {
	if fl := f.GetFloatList(); fl != nil {
		return fl.Value
	}
	return nil
}

// int64Values returns the int64 list of f, or nil if f holds no int64 list.
func int64Values(f *tensorflow.Feature) []int64 {
	if il := f.GetInt64List(); il != nil {
		return il.Value
	}
	return nil
}

// bytesValues returns the bytes list of f, or nil if f holds no bytes list.
func bytesValues(f *tensorflow.Feature) [][]byte {
	if bl := f.GetBytesList(); bl != nil {
		return bl.Value
	}
	return nil
}
