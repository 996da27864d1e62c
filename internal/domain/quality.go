package domain

import "time"

// DataQuality scores a fetched result along four axes, each in [0, 1].
// It is computed synchronously after a successful fetch and never persisted
// by this core.
type DataQuality struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Freshness    float64 `json:"freshness"`
	Consistency  float64 `json:"consistency"`
	OverallScore float64 `json:"overall_score"`
}

// Quality weighting. Completeness and accuracy dominate because a missing or
// malformed bar is worse than a slightly stale one.
const (
	weightCompleteness = 0.35
	weightAccuracy     = 0.30
	weightFreshness    = 0.20
	weightConsistency  = 0.15
)

// freshnessHorizon is the age at which data is considered fully stale.
const freshnessHorizon = 24 * time.Hour

// ScoreQuality derives a DataQuality from fetch outcomes:
// requested/returned symbol counts, per-bar validation failures, and the age
// of the newest observation.
func ScoreQuality(requested, returned, invalid int, newest time.Time, failover bool) DataQuality {
	q := DataQuality{Completeness: 1, Accuracy: 1, Freshness: 1, Consistency: 1}

	if requested > 0 {
		q.Completeness = float64(returned) / float64(requested)
	}
	if returned > 0 {
		q.Accuracy = 1 - float64(invalid)/float64(returned)
	}
	if !newest.IsZero() {
		age := time.Since(newest)
		if age < 0 {
			age = 0
		}
		if age >= freshnessHorizon {
			q.Freshness = 0
		} else {
			q.Freshness = 1 - age.Seconds()/freshnessHorizon.Seconds()
		}
	}
	// A failover means two providers disagreed on availability, which is a
	// consistency signal even when the surviving data itself is clean.
	if failover {
		q.Consistency = 0.5
	}

	q.OverallScore = weightCompleteness*q.Completeness +
		weightAccuracy*q.Accuracy +
		weightFreshness*q.Freshness +
		weightConsistency*q.Consistency
	return q
}

// Degraded marks a quality score as coming from stale cached data.
func (q DataQuality) Degraded() DataQuality {
	q.Freshness = 0
	q.OverallScore = weightCompleteness*q.Completeness +
		weightAccuracy*q.Accuracy +
		weightConsistency*q.Consistency
	return q
}
