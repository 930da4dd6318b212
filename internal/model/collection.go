package model

import "time"

// Collection is a set of items enumerated together, e.g. a channel or playlist.
type Collection struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title,omitempty"`
	ItemCount              int        `json:"item_count"`
	Tier2Count             int        `json:"tier2_count"`
	LowCaptionAvailability bool       `json:"low_caption_availability"`
	TotalSpendUSD          float64    `json:"total_spend_usd"` // sum of completed Tier-3 costs, never decreases
	LastIngestedAt         *time.Time `json:"last_ingested_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// StrategyStat holds per-strategy counters for the lifetime of a process.
// It is a ranking signal only.
type StrategyStat struct {
	Name      string `json:"name"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
}

// Attempts returns the total number of recorded attempts.
func (s StrategyStat) Attempts() int64 {
	return s.Successes + s.Failures
}

// SuccessRate returns the Laplace-smoothed success rate, so an untried
// strategy starts at 0.5 instead of tying with one that always fails.
func (s StrategyStat) SuccessRate() float64 {
	return float64(s.Successes+1) / float64(s.Attempts()+2)
}

// QueueState is the terminal state of a background promotion.
type QueueState string

const (
	QueueSucceeded     QueueState = "succeeded"
	QueueFailed        QueueState = "failed"
	QueueSkippedBudget QueueState = "skipped_budget"
	QueueSkippedLimit  QueueState = "skipped_limit"
	QueueSkippedBusy   QueueState = "skipped_busy" // another worker holds the item
)

// QueueEntry is one pending or finished Tier-3 promotion in a background pass.
type QueueEntry struct {
	ItemID           string     `json:"item_id"`
	Title            string     `json:"title,omitempty"`
	Priority         int        `json:"priority"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd"`
	ActualCostUSD    float64    `json:"actual_cost_usd,omitempty"`
	RetryCount       int        `json:"retry_count"`
	State            QueueState `json:"state,omitempty"`
	Error            string     `json:"error,omitempty"`
}
