package strategy

import (
	"github.com/objectfs/resload/pkg/types"
)

// StrategyResult aggregates one strategy's samples
type StrategyResult struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SampleCount int    `json:"sample_count"`

	AvgTotalTimeMs  float64 `json:"avg_total_time_ms"`
	AvgSuccessRate  float64 `json:"avg_success_rate"`
	AvgConcurrency  float64 `json:"avg_concurrency"`
	AvgTimePerItem  float64 `json:"avg_time_per_resource_ms"`
	TotalResources  int     `json:"total_resources"`
	TotalSuccessful int     `json:"total_successful"`
	TotalFailed     int     `json:"total_failed"`

	RecentSamples        int     `json:"recent_samples"`
	RecentAvgTotalTimeMs float64 `json:"recent_avg_total_time_ms"`
	RecentSuccessRate    float64 `json:"recent_success_rate"`
	RecentAvgConcurrency float64 `json:"recent_avg_concurrency"`

	Score float64 `json:"score"`
}

// Results is the full test breakdown
type Results struct {
	SessionID  string           `json:"session_id"`
	ActiveID   string           `json:"active_id,omitempty"`
	Strategies []StrategyResult `json:"strategies"`

	// Best* are set when at least one strategy has samples
	BestID    string  `json:"best_id,omitempty"`
	BestName  string  `json:"best_name,omitempty"`
	BestScore float64 `json:"best_score"`
}

// HasBest reports whether any strategy could be scored
func (r Results) HasBest() bool {
	return r.BestID != ""
}

// Score ranks a strategy: success rate dominates, latency breaks ties
func Score(recentSuccessRate, recentAvgTotalTimeMs float64) float64 {
	return recentSuccessRate*10 - recentAvgTotalTimeMs/100
}

func summarize(s Strategy, samples []types.PerformanceSample, window int) StrategyResult {
	res := StrategyResult{ID: s.ID, Name: s.Name, SampleCount: len(samples)}

	var total, rate, conc, perItem float64
	for _, sample := range samples {
		total += sample.TotalTimeMs
		rate += sample.SuccessRate
		conc += float64(sample.ConcurrencyUsed)
		perItem += sample.TimePerResource
		res.TotalResources += sample.ResourceCount
		res.TotalSuccessful += sample.SuccessCount
		res.TotalFailed += sample.FailureCount
	}
	n := float64(len(samples))
	res.AvgTotalTimeMs = total / n
	res.AvgSuccessRate = rate / n
	res.AvgConcurrency = conc / n
	res.AvgTimePerItem = perItem / n

	recent := samples
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	total, rate, conc = 0, 0, 0
	for _, sample := range recent {
		total += sample.TotalTimeMs
		rate += sample.SuccessRate
		conc += float64(sample.ConcurrencyUsed)
	}
	m := float64(len(recent))
	res.RecentSamples = len(recent)
	res.RecentAvgTotalTimeMs = total / m
	res.RecentSuccessRate = rate / m
	res.RecentAvgConcurrency = conc / m

	res.Score = Score(res.RecentSuccessRate, res.RecentAvgTotalTimeMs)
	return res
}
