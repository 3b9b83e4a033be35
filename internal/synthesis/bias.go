package synthesis

import "sort"

// The five tracked bias dimensions.
const (
	DimDemographic  = "demographic"
	DimCultural     = "cultural"
	DimLinguistic   = "linguistic"
	DimTemporal     = "temporal"
	DimConfirmation = "confirmation"
)

// Dimensions lists every tracked dimension in canonical order.
var Dimensions = []string{DimDemographic, DimCultural, DimLinguistic, DimTemporal, DimConfirmation}

// Vector is a bias score per dimension, each in [0, 1].
type Vector map[string]float64

// Clone copies the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Thresholds carries the per-dimension ceilings. Values are defaults only;
// deployments tune them in configuration.
type Thresholds map[string]float64

// DefaultThresholds returns the stock per-dimension ceilings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DimDemographic:  0.15,
		DimCultural:     0.20,
		DimLinguistic:   0.25,
		DimTemporal:     0.30,
		DimConfirmation: 0.20,
	}
}

// Detector aggregates per-model bias vectors and drives mitigation.
type Detector struct {
	thresholds Thresholds
}

// NewDetector builds a detector; nil thresholds take the defaults.
func NewDetector(thresholds Thresholds) *Detector {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Detector{thresholds: thresholds}
}

// Aggregate computes the weight-averaged ensemble bias vector.
func (d *Detector) Aggregate(responses []*Response, weights map[string]float64) Vector {
	out := make(Vector, len(Dimensions))
	var total float64
	for _, r := range responses {
		total += weights[r.Model]
	}
	if total == 0 {
		return out
	}
	for _, dim := range Dimensions {
		var sum float64
		for _, r := range responses {
			sum += weights[r.Model] * r.Bias[dim]
		}
		out[dim] = sum / total
	}
	return out
}

// Exceeded returns the dimensions of v above their threshold, in canonical
// order.
func (d *Detector) Exceeded(v Vector) []string {
	var out []string
	for _, dim := range Dimensions {
		if v[dim] > d.thresholds[dim] {
			out = append(out, dim)
		}
	}
	return out
}

// Offender picks the model contributing the highest score on dim. Ties go
// to the lexicographically smallest model name so mitigation is
// deterministic.
func (d *Detector) Offender(responses []*Response, dim string) string {
	names := make([]string, 0, len(responses))
	byName := make(map[string]*Response, len(responses))
	for _, r := range responses {
		names = append(names, r.Model)
		byName[r.Model] = r
	}
	sort.Strings(names)

	offender := ""
	worst := -1.0
	for _, name := range names {
		if s := byName[name].Bias[dim]; s > worst {
			worst = s
			offender = name
		}
	}
	return offender
}
