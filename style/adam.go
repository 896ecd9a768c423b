package style

import "math"

// adam is the Adam optimizer for a single parameter vector.
type adam struct {
	lr, beta1, beta2, epsilon float64
	step                      int
	m, v                      []float64 // First and second moment estimates.
}

func newAdam(size int, lr, beta1, beta2, epsilon float64) *adam {
	return &adam{
		lr:      lr,
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       make([]float64, size),
		v:       make([]float64, size),
	}
}

// update applies one step to params given their gradient.
func (a *adam) update(params, grad []float64) {
	a.step++
	biasCorrection1 := 1 - math.Pow(a.beta1, float64(a.step))
	biasCorrection2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g

		mHat := a.m[i] / biasCorrection1
		vHat := a.v[i] / biasCorrection2
		params[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.epsilon)
	}
}
