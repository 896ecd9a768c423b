package cvlab

import (
	"math"

	"github.com/pkg/errors"
)

// Error is the type of the sentinel errors returned by this module. Wrapped errors can be matched
// with errors.Cause(err) == ErrXxx.
type Error string

func (e Error) Error() string {
	return string(e)
}

// Sentinel errors.
const (
	ErrShapeMismatch = Error("shape mismatch")
	ErrNonFinite     = Error("numerical instability: non-finite value")
	ErrNoVariables   = Error("no variables selected")
	ErrInvalidConfig = Error("invalid configuration")
)

// CheckFinite returns an ErrNonFinite error naming what if any value in values is NaN or Inf.
func CheckFinite(what string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrNonFinite, "%s[%d] = %v", what, i, v)
		}
	}
	return nil
}

// CheckFiniteScalar is CheckFinite for a single value.
func CheckFiniteScalar(what string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Wrapf(ErrNonFinite, "%s = %v", what, v)
	}
	return nil
}
