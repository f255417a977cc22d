package telemetry

import (
	"sort"
)

// DailyMetrics summarizes one UTC day of learning-loop activity.
type DailyMetrics struct {
	Date           string         `json:"date"`
	Hits           int            `json:"hits"`
	HitsBySource   map[string]int `json:"hits_by_source"`
	Misses         int            `json:"misses"`
	HitRate        float64        `json:"hit_rate"`
	LearnConfirmed int            `json:"learn_confirmed"`
	LearnCancelled int            `json:"learn_cancelled"`
	LearnCorrected int            `json:"learn_corrected"`
	Promotions     int            `json:"promotions"`
	Decays         int            `json:"decays"`
	Actions        int            `json:"actions"`
}

// Aggregate groups events by UTC day, oldest day first.
func Aggregate(events []Event) []DailyMetrics {
	days := make(map[string]*DailyMetrics)
	for _, ev := range events {
		date := ev.Timestamp.UTC().Format("2006-01-02")
		m, ok := days[date]
		if !ok {
			m = &DailyMetrics{Date: date, HitsBySource: make(map[string]int)}
			days[date] = m
		}
		switch ev.Type {
		case EventMemoryHit:
			m.Hits++
			m.HitsBySource[ev.Source]++
		case EventMemoryMiss:
			m.Misses++
		case EventLearnSession:
			switch outcomeOf(ev) {
			case OutcomeCancelled:
				m.LearnCancelled++
			case OutcomeCorrected:
				m.LearnCorrected++
			default:
				m.LearnConfirmed++
			}
		case EventPromotion:
			m.Promotions++
		case EventDecay:
			m.Decays++
		case EventActionOutcome:
			m.Actions++
		}
	}

	out := make([]DailyMetrics, 0, len(days))
	for _, m := range days {
		if total := m.Hits + m.Misses; total > 0 {
			m.HitRate = float64(m.Hits) / float64(total)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func outcomeOf(ev Event) string {
	if ev.Metadata == nil {
		return ""
	}
	s, _ := ev.Metadata["outcome"].(string)
	return s
}
