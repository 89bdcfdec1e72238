package metrics

import "utkrobust/internal/model"

// Heads holds per-head batch values keyed by head name.
type Heads map[string][][]float64

// TargetsOf extracts the training targets of a batch.
func TargetsOf(b model.Batch) Heads {
	ages := make([][]float64, len(b.Ages))
	for i, a := range b.Ages {
		ages[i] = []float64{a}
	}
	return Heads{model.AgeOutput: ages, model.RaceOutput: b.Races, model.GenderOutput: b.Genders}
}

// PredictionsOf regroups per-sample predictions by head.
func PredictionsOf(preds []model.Prediction) Heads {
	h := Heads{
		model.AgeOutput:    make([][]float64, len(preds)),
		model.RaceOutput:   make([][]float64, len(preds)),
		model.GenderOutput: make([][]float64, len(preds)),
	}
	for i, p := range preds {
		h[model.AgeOutput][i] = []float64{p.Age}
		h[model.RaceOutput][i] = p.Race
		h[model.GenderOutput][i] = p.Gender
	}
	return h
}

// Loss is a weighted per-head loss term.
type Loss struct {
	Head   string
	Fn     Func
	Weight float64
}

// DefaultLosses weights age MSE by 2, race cross-entropy by 1.5 and gender
// cross-entropy by 1.
func DefaultLosses() []Loss {
	return []Loss{
		{Head: model.AgeOutput, Fn: MSE, Weight: 2},
		{Head: model.RaceOutput, Fn: CategoricalCrossentropy, Weight: 1.5},
		{Head: model.GenderOutput, Fn: CategoricalCrossentropy, Weight: 1},
	}
}

// ComputeLosses returns the weighted total followed by each head loss.
func ComputeLosses(losses []Loss, yTrue, yPred Heads) []float64 {
	out := make([]float64, len(losses)+1)
	for i, l := range losses {
		v := l.Fn(yTrue[l.Head], yPred[l.Head])
		out[i+1] = v
		out[0] += l.Weight * v
	}
	return out
}

// Metric scores one head, on clean or adversarial predictions.
type Metric struct {
	Head        string
	Name        string
	Fn          Func
	Adversarial bool
}

// Eval scores the metric against the predictions it applies to.
func (m Metric) Eval(yTrue, clean, adv Heads) float64 {
	preds := clean
	if m.Adversarial {
		preds = adv
	}
	return m.Fn(yTrue[m.Head], preds[m.Head])
}

// Label is the Keras-style result name, e.g. race_output_acc.
func (m Metric) Label() string { return m.Head + "_" + m.Name }

// AdversarialAccuracy wraps fn so that it scores predictions made on the
// adversarial version of the batch.
func AdversarialAccuracy(head string, fn Func) Metric {
	return Metric{Head: head, Name: "adv_acc", Fn: fn, Adversarial: true}
}

// Set is an ordered list of compiled metrics.
type Set []Metric

// CleanSet is age MAE and race/gender accuracy on clean inputs.
func CleanSet() Set {
	return Set{
		{Head: model.AgeOutput, Name: "mean_absolute_error", Fn: MAE},
		{Head: model.RaceOutput, Name: "acc", Fn: CategoricalAccuracy},
		{Head: model.GenderOutput, Name: "acc", Fn: CategoricalAccuracy},
	}
}

// AdversarialSet scores the same functions as CleanSet on adversarial inputs.
func AdversarialSet() Set {
	return Set{
		AdversarialAccuracy(model.AgeOutput, MAE),
		AdversarialAccuracy(model.RaceOutput, CategoricalAccuracy),
		AdversarialAccuracy(model.GenderOutput, CategoricalAccuracy),
	}
}

// NeedsAdversarial reports whether any metric reads adversarial predictions.
func (s Set) NeedsAdversarial() bool {
	for _, m := range s {
		if m.Adversarial {
			return true
		}
	}
	return false
}

// Eval scores every metric in order.
func (s Set) Eval(yTrue, clean, adv Heads) []float64 {
	out := make([]float64, len(s))
	for i, m := range s {
		out[i] = m.Eval(yTrue, clean, adv)
	}
	return out
}

// Names returns the Keras-style names of a full evaluation row: the total
// loss, each head loss and each metric.
func Names(losses []Loss, s Set) []string {
	names := []string{"loss"}
	for _, l := range losses {
		names = append(names, l.Head+"_loss")
	}
	for _, m := range s {
		names = append(names, m.Label())
	}
	return names
}
