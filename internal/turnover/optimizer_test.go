package turnover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRate(t *testing.T) {
	tests := []struct {
		name      string
		current   []string
		candidate []string
		want      float64
	}{
		{"both empty", nil, nil, 0.0},
		{"empty to one", nil, []string{"AAPL"}, 1.0},
		{"one to empty", []string{"AAPL"}, nil, 1.0},
		{"identical", []string{"AAPL", "MSFT"}, []string{"MSFT", "AAPL"}, 0.0},
		{"half overlap", []string{"AAPL", "MSFT"}, []string{"MSFT", "GOOG"}, 0.5},
		{"disjoint", []string{"AAPL"}, []string{"MSFT"}, 1.0},
		{"one added", []string{"AAPL", "MSFT"}, []string{"AAPL", "MSFT", "GOOG"}, 1.0 / 3.0},
		{"duplicates collapse", []string{"AAPL", "AAPL"}, []string{"AAPL"}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Rate(tt.current, tt.candidate), 1e-12)
		})
	}
}

func TestWeightedRateAgreesWithUnweightedOnEqualWeights(t *testing.T) {
	current := []string{"AAPL", "MSFT", "GOOG"}
	candidate := []string{"MSFT", "GOOG", "NVDA", "AMZN"}
	equal := map[string]float64{"AAPL": 7, "MSFT": 7, "GOOG": 7, "NVDA": 7, "AMZN": 7}

	assert.InDelta(t, Rate(current, candidate), WeightedRate(current, candidate, equal), 1e-12)
	assert.InDelta(t, Rate(current, candidate), WeightedRate(current, candidate, nil), 1e-12)
}

func TestWeightedRateSkewsTowardHeavySymbols(t *testing.T) {
	current := []string{"AAPL", "MSFT"}
	candidate := []string{"MSFT", "GOOG"}
	// AAPL and GOOG (the churned pair) carry nearly all the value.
	weights := map[string]float64{"AAPL": 100, "GOOG": 100, "MSFT": 1}

	weighted := WeightedRate(current, candidate, weights)
	assert.Greater(t, weighted, Rate(current, candidate))
	assert.InDelta(t, 200.0/201.0, weighted, 1e-12)
}

func TestWeightedRateUnpricedSymbolsGetMeanWeight(t *testing.T) {
	current := []string{"AAPL", "MSFT"}
	candidate := []string{"MSFT", "GOOG"}
	// GOOG has no price: it gets the mean of the priced ones, (40+20)/2 = 30.
	weights := map[string]float64{"AAPL": 40, "MSFT": 20}

	// diff = AAPL(40) + GOOG(30), union = 40 + 20 + 30.
	assert.InDelta(t, 70.0/90.0, WeightedRate(current, candidate, weights), 1e-12)
}

func TestWeightedRateEmptySets(t *testing.T) {
	assert.Zero(t, WeightedRate(nil, nil, map[string]float64{"AAPL": 1}))
}

func TestComputeAddedRemovedSorted(t *testing.T) {
	tr := Compute([]string{"MSFT", "AAPL"}, []string{"MSFT", "NVDA", "GOOG"}, nil)

	assert.Equal(t, []string{"GOOG", "NVDA"}, tr.Added)
	assert.Equal(t, []string{"AAPL"}, tr.Removed)
	assert.InDelta(t, 0.75, tr.Rate, 1e-12)
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute([]string{"C", "A", "B"}, []string{"B", "D"}, nil)
	b := Compute([]string{"A", "B", "C"}, []string{"D", "B"}, nil)
	assert.Equal(t, a, b)
}

func TestPlanTransitionScenarios(t *testing.T) {
	current := []string{"AAPL", "MSFT", "GOOG", "AMZN"}
	candidate := []string{"MSFT", "GOOG", "NVDA", "META"}

	plan, err := PlanTransition(current, candidate, nil, TargetBalanced)
	require.NoError(t, err)

	names := make(map[string]Scenario)
	for _, sc := range plan.Scenarios {
		names[sc.Name] = sc
	}
	require.Contains(t, names, ScenarioDirect)
	require.Contains(t, names, ScenarioStaged)
	require.Contains(t, names, ScenarioGradual)

	direct := names[ScenarioDirect]
	assert.Equal(t, 1, direct.Steps)
	assert.InDelta(t, plan.Transition.WeightedRate, direct.PeakStepRate, 1e-12)
	assert.Zero(t, direct.TrackingError)

	staged := names[ScenarioStaged]
	assert.Equal(t, 2, staged.Steps)
	assert.Less(t, staged.PeakStepRate, direct.PeakStepRate, "splitting the move lowers per-step turnover")
	assert.Greater(t, staged.TrackingError, 0.0, "interim composition sits off target")
}

func TestPlanTransitionMinimizeTurnoverPrefersStaging(t *testing.T) {
	current := []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA", "NFLX"}
	candidate := []string{"MSFT", "GOOG", "AMZN", "NVDA", "META", "AVGO"}

	plan, err := PlanTransition(current, candidate, nil, TargetMinimizeTurnover)
	require.NoError(t, err)
	assert.Equal(t, ScenarioGradual, plan.Recommended, "smallest peak step wins")
}

func TestPlanTransitionNoChange(t *testing.T) {
	plan, err := PlanTransition([]string{"AAPL"}, []string{"AAPL"}, nil, TargetBalanced)
	require.NoError(t, err)

	assert.Zero(t, plan.Transition.Rate)
	assert.Empty(t, plan.Transition.Added)
	assert.Empty(t, plan.Transition.Removed)
	require.Len(t, plan.Scenarios, 1)
	assert.Equal(t, ScenarioDirect, plan.Recommended)
}

func TestPlanTransitionDefaultsToBalanced(t *testing.T) {
	plan, err := PlanTransition([]string{"AAPL"}, []string{"MSFT"}, nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Recommended)
}

func TestPlanTransitionRejectsUnknownTarget(t *testing.T) {
	_, err := PlanTransition([]string{"AAPL"}, []string{"MSFT"}, nil, "fastest")
	assert.Error(t, err)
}
