package analyzer

// Combiner turns the four factor scores into an idle probability
type Combiner interface {
	CombineScores(business, resource, temporal, dependency float64) float64
}

// CombinerFunc adapts a function to Combiner
type CombinerFunc func(business, resource, temporal, dependency float64) float64

func (f CombinerFunc) CombineScores(business, resource, temporal, dependency float64) float64 {
	return f(business, resource, temporal, dependency)
}

// WeightedCombiner is a linear combination of the factors
type WeightedCombiner struct {
	Business   float64
	Resource   float64
	Temporal   float64
	Dependency float64
}

// DefaultCombiner weights business 50%, resource 30%, temporal 15% and
// dependency 5%
func DefaultCombiner() WeightedCombiner {
	return WeightedCombiner{Business: 0.50, Resource: 0.30, Temporal: 0.15, Dependency: 0.05}
}

func (w WeightedCombiner) CombineScores(business, resource, temporal, dependency float64) float64 {
	return w.Business*business + w.Resource*resource + w.Temporal*temporal + w.Dependency*dependency
}
