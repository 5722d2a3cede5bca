package tracker

import (
	"math"

	"overbought-alerts/internal/numeric"
	"overbought-alerts/internal/storage"
)

// Stats aggregates outcome performance. Rates and minutes carry 2 decimals,
// excursions 4.
type Stats struct {
	Total           int     `json:"total"`
	Success         int     `json:"success"`
	Failed          int     `json:"failed"`
	Pending         int     `json:"pending"`
	Expired         int     `json:"expired"`
	SuccessRate     float64 `json:"successRate"`
	AvgTimeToTarget float64 `json:"avgTimeToTarget"`
	AvgMaxDrop      float64 `json:"avgMaxDrop"`
	AvgFinalDrop    float64 `json:"avgFinalDrop"`
	BestDrop        float64 `json:"bestDrop"`
	WorstDrop       float64 `json:"worstDrop"`
	TargetPercent   float64 `json:"targetPercent"`
}

// TimeframeStats is the per-timeframe breakdown.
type TimeframeStats struct {
	Timeframe   string  `json:"timeframe"`
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Completed   int     `json:"completed"`
	SuccessRate float64 `json:"successRate"`
}

// Statistics computes aggregate stats over the whole log.
func (t *Tracker) Statistics() Stats {
	return computeStats(t.All(), t.opts.TargetPercent)
}

func computeStats(alerts []Alert, targetPercent float64) Stats {
	s := Stats{Total: len(alerts), TargetPercent: targetPercent}
	if len(alerts) == 0 {
		return s
	}

	var (
		timeSum   float64
		drops     []float64
		finalSum  float64
		finalSeen int
	)
	for _, a := range alerts {
		switch a.Status {
		case storage.StatusSuccess:
			s.Success++
			if a.TimeToTargetMinutes != nil {
				timeSum += *a.TimeToTargetMinutes
			}
		case storage.StatusFailed:
			s.Failed++
		case storage.StatusPending:
			s.Pending++
		case storage.StatusExpired:
			s.Expired++
		}

		if a.MaxDropPercent > 0 {
			drops = append(drops, a.MaxDropPercent)
		}

		if a.Status != storage.StatusPending {
			if d := finalDrop(a); !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0 {
				finalSum += d
				finalSeen++
			}
		}
	}

	if completed := s.Success + s.Failed + s.Expired; completed > 0 {
		s.SuccessRate = numeric.Round(float64(s.Success)/float64(completed)*100, 2)
	}
	if s.Success > 0 {
		s.AvgTimeToTarget = numeric.Round(timeSum/float64(s.Success), 2)
	}
	if len(drops) > 0 {
		sum, best, worst := 0.0, drops[0], drops[0]
		for _, d := range drops {
			sum += d
			best = math.Max(best, d)
			worst = math.Min(worst, d)
		}
		s.AvgMaxDrop = numeric.Round(sum/float64(len(drops)), 4)
		s.BestDrop = numeric.Round(best, 4)
		s.WorstDrop = numeric.Round(worst, 4)
	}
	if finalSeen > 0 {
		s.AvgFinalDrop = numeric.Round(finalSum/float64(finalSeen), 4)
	}
	return s
}

func finalDrop(a Alert) float64 {
	if a.Status == storage.StatusExpired && a.FinalDropPercent != nil {
		return *a.FinalDropPercent
	}
	if a.MaxDropPercent > 0 {
		return a.MaxDropPercent
	}
	if a.Price == 0 {
		return math.NaN()
	}
	return excursion(a.Price, a.CurrentPrice)
}

// StatisticsByTimeframe breaks success rates down per timeframe, in the
// order given. Timeframes without alerts are omitted.
func (t *Tracker) StatisticsByTimeframe(order []string) []TimeframeStats {
	all := t.All()
	out := make([]TimeframeStats, 0, len(order))
	for _, tf := range order {
		ts := TimeframeStats{Timeframe: tf}
		for _, a := range all {
			if a.Timeframe != tf {
				continue
			}
			ts.Total++
			if a.Status == storage.StatusSuccess {
				ts.Success++
			}
			if a.Status != storage.StatusPending {
				ts.Completed++
			}
		}
		if ts.Total == 0 {
			continue
		}
		if ts.Completed > 0 {
			ts.SuccessRate = numeric.Round(float64(ts.Success)/float64(ts.Completed)*100, 2)
		}
		out = append(out, ts)
	}
	return out
}
