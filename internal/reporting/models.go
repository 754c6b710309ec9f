package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// OutcomeSummaryRequest requests ring attempt outcomes over a time range.
// CalleeID narrows the summary to one counterparty.
type OutcomeSummaryRequest struct {
	Range    TimeRange `json:"range"`
	CalleeID string    `json:"callee_id,omitempty"`
}

// Outcomes counts how ring attempts ended. An attempt that was accepted and
// later ended counts in both Accepted and Ended.
type Outcomes struct {
	Attempts  int `json:"attempts"`
	Accepted  int `json:"accepted"`
	Declined  int `json:"declined"`
	Missed    int `json:"missed"`
	Cancelled int `json:"cancelled"`
	Ended     int `json:"ended"`

	// AnswerRate is Accepted / Attempts.
	AnswerRate float64 `json:"answer_rate"`
}

type OutcomeSummary struct {
	Range    TimeRange `json:"range"`
	Outcomes Outcomes  `json:"outcomes"`

	// ByCallee breaks the totals down per callee. Attempts created before
	// the range have no known callee and only count in Outcomes.
	ByCallee map[string]Outcomes `json:"by_callee"`
}
