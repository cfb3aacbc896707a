package events

import (
	"encoding/json"
	"time"
)

// Summary aggregates the events of one session.
type Summary struct {
	TotalServes         int
	TotalReturns        int
	MissedOpportunities int

	// latencySum is the sum of return latencies.
	latencySum time.Duration
}

// Add folds e into the summary.
func (s *Summary) Add(e Event) {
	switch e.Type {
	case Serve:
		s.TotalServes++
	case Return:
		s.TotalReturns++
		s.latencySum += e.ResponseLatency
	case MissedOpportunity:
		s.MissedOpportunities++
	}
}

// Summarize builds a summary from evs.
func Summarize(evs []Event) Summary {
	var s Summary
	for _, e := range evs {
		s.Add(e)
	}
	return s
}

// ReturnRate is returns divided by serves, or 0 with no serves.
func (s Summary) ReturnRate() float64 {
	if s.TotalServes == 0 {
		return 0
	}
	return float64(s.TotalReturns) / float64(s.TotalServes)
}

// AverageLatency is the mean return latency. ok is false with no returns.
func (s Summary) AverageLatency() (avg time.Duration, ok bool) {
	if s.TotalReturns == 0 {
		return 0, false
	}
	return s.latencySum / time.Duration(s.TotalReturns), true
}

// MarshalJSON renders the summary with rate and latency at two decimals.
// average_response_latency is null when there were no returns.
func (s Summary) MarshalJSON() ([]byte, error) {
	w := struct {
		TotalServes          int      `json:"total_serves"`
		TotalReturns         int      `json:"total_returns"`
		MissedOpportunities  int      `json:"missed_opportunities"`
		SuccessfulReturnRate float64  `json:"successful_return_rate"`
		AverageLatency       *float64 `json:"average_response_latency"`
	}{
		TotalServes:          s.TotalServes,
		TotalReturns:         s.TotalReturns,
		MissedOpportunities:  s.MissedOpportunities,
		SuccessfulReturnRate: round(s.ReturnRate(), 2),
	}
	if avg, ok := s.AverageLatency(); ok {
		w.AverageLatency = ptr(round(avg.Seconds(), 2))
	}
	return json.Marshal(w)
}
