// Package turnover computes the cost of transitioning a held asset set
// to a candidate set and proposes rebalancing scenarios that trade
// turnover against time spent away from the target composition.
package turnover

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Optimization targets accepted by Plan.
const (
	TargetMinimizeTurnover = "minimize_turnover"
	TargetBalanced         = "balanced"
)

// Scenario names.
const (
	ScenarioDirect  = "direct"
	ScenarioStaged  = "staged_half"
	ScenarioGradual = "gradual_thirds"
)

// Transition describes the move from a current to a candidate asset set.
type Transition struct {
	Rate         float64  `json:"turnover_rate"`
	WeightedRate float64  `json:"weighted_turnover_rate"`
	Added        []string `json:"assets_added"`
	Removed      []string `json:"assets_removed"`
}

// Scenario is one candidate rebalancing path. StepRates holds the
// turnover incurred at each step; TrackingError measures how far, on
// average, the interim compositions sit from the target.
type Scenario struct {
	Name          string    `json:"name"`
	Steps         int       `json:"steps"`
	StepRates     []float64 `json:"step_rates"`
	PeakStepRate  float64   `json:"peak_step_rate"`
	TotalRate     float64   `json:"total_rate"`
	TrackingError float64   `json:"tracking_error"`
}

// Plan is the full optimizer output: the direct transition numbers, all
// scenarios, and the one recommended for the requested target.
type Plan struct {
	Transition  Transition `json:"transition"`
	Scenarios   []Scenario `json:"scenarios"`
	Recommended string     `json:"recommended_approach"`
}

func toSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}

func sortedSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Rate is the unweighted turnover: symmetric difference over union.
// Two empty sets transition with zero turnover; entering or exiting
// everything is full turnover.
func Rate(current, candidate []string) float64 {
	cur, cand := toSet(current), toSet(candidate)

	var union, diff int
	for s := range cur {
		union++
		if !cand[s] {
			diff++
		}
	}
	for s := range cand {
		if !cur[s] {
			union++
			diff++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(diff) / float64(union)
}

// WeightedRate is the value-weighted turnover. Symbols without a weight
// are assigned the mean weight of the priced symbols in the union, so a
// sparse price map still yields a sensible number. With no weights at
// all (or all weights equal) it degenerates to Rate.
func WeightedRate(current, candidate []string, weights map[string]float64) float64 {
	cur, cand := toSet(current), toSet(candidate)

	union := make(map[string]bool, len(cur)+len(cand))
	for s := range cur {
		union[s] = true
	}
	for s := range cand {
		union[s] = true
	}
	if len(union) == 0 {
		return 0
	}

	var priced []float64
	for s := range union {
		if w, ok := weights[s]; ok && w > 0 {
			priced = append(priced, w)
		}
	}
	fallback := 1.0
	if len(priced) > 0 {
		fallback = stat.Mean(priced, nil)
	}

	weightOf := func(s string) float64 {
		if w, ok := weights[s]; ok && w > 0 {
			return w
		}
		return fallback
	}

	unionWeights := make([]float64, 0, len(union))
	var diffWeights []float64
	for s := range union {
		w := weightOf(s)
		unionWeights = append(unionWeights, w)
		if cur[s] != cand[s] {
			diffWeights = append(diffWeights, w)
		}
	}

	total := floats.Sum(unionWeights)
	if total == 0 {
		return 0
	}
	return floats.Sum(diffWeights) / total
}

// Compute derives the direct transition between two asset sets.
func Compute(current, candidate []string, weights map[string]float64) Transition {
	cur, cand := toSet(current), toSet(candidate)

	added := make(map[string]bool)
	removed := make(map[string]bool)
	for s := range cand {
		if !cur[s] {
			added[s] = true
		}
	}
	for s := range cur {
		if !cand[s] {
			removed[s] = true
		}
	}

	return Transition{
		Rate:         Rate(current, candidate),
		WeightedRate: WeightedRate(current, candidate, weights),
		Added:        sortedSlice(added),
		Removed:      sortedSlice(removed),
	}
}

// applyStage moves a set toward the candidate by executing the given
// additions and removals, returning the interim composition.
func applyStage(set map[string]bool, add, remove []string) map[string]bool {
	next := make(map[string]bool, len(set)+len(add))
	for s := range set {
		next[s] = true
	}
	for _, s := range add {
		next[s] = true
	}
	for _, s := range remove {
		delete(next, s)
	}
	return next
}

// stagedScenario splits the transition into n equal stages and walks
// them, measuring per-step turnover and the average distance from the
// target while in flight.
func stagedScenario(name string, n int, current, candidate []string, tr Transition, weights map[string]float64) Scenario {
	sc := Scenario{Name: name, Steps: n}

	held := toSet(current)
	target := sortedSlice(toSet(candidate))

	var distances []float64
	for step := 0; step < n; step++ {
		addLo, addHi := chunk(len(tr.Added), n, step)
		remLo, remHi := chunk(len(tr.Removed), n, step)

		before := sortedSlice(held)
		held = applyStage(held, tr.Added[addLo:addHi], tr.Removed[remLo:remHi])
		after := sortedSlice(held)

		sc.StepRates = append(sc.StepRates, WeightedRate(before, after, weights))
		distances = append(distances, WeightedRate(after, target, weights))
	}

	if len(sc.StepRates) > 0 {
		sc.PeakStepRate = floats.Max(sc.StepRates)
		sc.TotalRate = floats.Sum(sc.StepRates)
	}
	// The final step lands on the target, so its distance is zero; the
	// mean over all steps captures how long the portfolio tracked off.
	sc.TrackingError = stat.Mean(distances, nil)
	return sc
}

// chunk returns the [lo, hi) bounds of the step-th of n slices of a
// length-sized slice, distributing remainders to the earliest steps.
func chunk(length, n, step int) (int, int) {
	base := length / n
	extra := length % n
	lo := step*base + min(step, extra)
	size := base
	if step < extra {
		size++
	}
	return lo, lo + size
}

// Plan computes the direct transition plus staged alternatives and
// recommends one according to the optimization target. An unknown
// target is an error, not a silent default.
func PlanTransition(current, candidate []string, weights map[string]float64, target string) (*Plan, error) {
	if target == "" {
		target = TargetBalanced
	}
	if target != TargetMinimizeTurnover && target != TargetBalanced {
		return nil, fmt.Errorf("unknown optimization target: %q", target)
	}

	tr := Compute(current, candidate, weights)

	direct := Scenario{
		Name:         ScenarioDirect,
		Steps:        1,
		StepRates:    []float64{tr.WeightedRate},
		PeakStepRate: tr.WeightedRate,
		TotalRate:    tr.WeightedRate,
	}

	plan := &Plan{Transition: tr, Scenarios: []Scenario{direct}}
	if len(tr.Added)+len(tr.Removed) > 1 {
		plan.Scenarios = append(plan.Scenarios,
			stagedScenario(ScenarioStaged, 2, current, candidate, tr, weights))
	}
	if len(tr.Added)+len(tr.Removed) > 2 {
		plan.Scenarios = append(plan.Scenarios,
			stagedScenario(ScenarioGradual, 3, current, candidate, tr, weights))
	}

	plan.Recommended = pick(plan.Scenarios, target)
	return plan, nil
}

// pick scores scenarios for the target and returns the winner's name.
// minimize_turnover favors the smallest peak single-step turnover;
// balanced trades peak turnover against tracking error equally. Ties go
// to the scenario with fewer steps.
func pick(scenarios []Scenario, target string) string {
	best := scenarios[0]
	bestScore := score(best, target)
	for _, sc := range scenarios[1:] {
		s := score(sc, target)
		if s < bestScore || (s == bestScore && sc.Steps < best.Steps) {
			best, bestScore = sc, s
		}
	}
	return best.Name
}

func score(sc Scenario, target string) float64 {
	if target == TargetMinimizeTurnover {
		return sc.PeakStepRate
	}
	return 0.5*sc.PeakStepRate + 0.5*sc.TrackingError
}
