package cvlab

// LossTerm is one named additive component of a training loss.
type LossTerm struct {
	Name   string
	Value  float64 // The unweighted component value.
	Weight float64
}

// Weighted is Weight * Value.
func (t LossTerm) Weighted() float64 {
	return t.Weight * t.Value
}

// Loss is a scalar loss decomposed into named, independently weighted components.
type Loss []LossTerm

// Total is the weighted sum of all components.
func (l Loss) Total() float64 {
	var sum float64
	for _, t := range l {
		sum += t.Weighted()
	}
	return sum
}

// Term returns the component called name.
func (l Loss) Term(name string) (LossTerm, bool) {
	for _, t := range l {
		if t.Name == name {
			return t, true
		}
	}
	return LossTerm{}, false
}

// Components maps each component name to its weighted value and adds the total under "total".
func (l Loss) Components() map[string]float64 {
	m := make(map[string]float64, len(l)+1)
	for _, t := range l {
		m[t.Name] = t.Weighted()
	}
	m["total"] = l.Total()
	return m
}

// CheckFinite returns an ErrNonFinite error if any component or the total is NaN or Inf.
func (l Loss) CheckFinite() error {
	for _, t := range l {
		if err := CheckFiniteScalar(t.Name+" loss", t.Value); err != nil {
			return err
		}
	}
	return CheckFiniteScalar("total loss", l.Total())
}

// LossRecorder receives the loss of every training step.
type LossRecorder interface {
	RecordLoss(step int, loss Loss) error
}

// ClassScore is the per-class result of a segmentation evaluation.
type ClassScore struct {
	Class  int
	IOU    float64
	Dice   float64
	Absent bool // The class occurs in neither the true nor the predicted mask.
}

// ScoreRecorder receives per-class evaluation results.
type ScoreRecorder interface {
	RecordClassScores(scores []ClassScore) error
}
