package model

import "time"

// Tier2Status records the outcome of the most recent scraped-caption attempt.
type Tier2Status string

const (
	Tier2StatusNone        Tier2Status = "none"
	Tier2StatusAvailable   Tier2Status = "available"
	Tier2StatusUnavailable Tier2Status = "unavailable"
	Tier2StatusSkipped     Tier2Status = "skipped" // early abort on a low-caption collection
)

// Metadata is the Tier-1 result, derived from the platform's listing API.
type Metadata struct {
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	ChannelTitle    string    `json:"channel_title,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	ViewCount       int64     `json:"view_count"`
	LikeCount       int64     `json:"like_count,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Duration returns the item duration as a time.Duration.
func (m Metadata) Duration() time.Duration {
	return time.Duration(m.DurationSeconds) * time.Second
}

// Segment is one time-coded line of a transcript.
type Segment struct {
	Text       string `json:"text"`
	StartMs    int64  `json:"start_ms"`
	DurationMs int64  `json:"duration_ms"`
}

// Transcript is the normalized shape every strategy converts its wire format into.
type Transcript struct {
	Text         string    `json:"text"`
	Segments     []Segment `json:"segments"`
	LanguageCode string    `json:"language_code"`
}

// Empty reports whether the transcript carries no text.
func (t *Transcript) Empty() bool {
	return t == nil || t.Text == ""
}

// Tier2Caption is a scraped caption track obtained by the strategy racer.
type Tier2Caption struct {
	Transcript
	Strategy  string    `json:"strategy"`
	TrackKind string    `json:"track_kind,omitempty"` // "asr" for auto-generated
	FetchedAt time.Time `json:"fetched_at"`
}

// Word is a single word with timestamps from high-fidelity transcription.
type Word struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Tier3Transcript is the paid, high-fidelity transcription of an item.
type Tier3Transcript struct {
	Text         string    `json:"text"`
	Segments     []Segment `json:"segments,omitempty"`
	Words        []Word    `json:"words,omitempty"`
	Confidence   float64   `json:"confidence"`
	LanguageCode string    `json:"language_code"`
	CostUSD      float64   `json:"cost_usd"`
	AudioSeconds float64   `json:"audio_seconds"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Item is a single video tracked by the engine. The ID never changes; the
// item is only mutated by attaching tier results.
type Item struct {
	ID           string        `json:"id"`
	CollectionID string        `json:"collection_id"`
	Tier1        Metadata      `json:"tier1"`
	Tier2        *Tier2Caption `json:"tier2,omitempty"`
	Tier2Status  Tier2Status   `json:"tier2_status"`
	Tier2Reason  string        `json:"tier2_reason,omitempty"`
	Tier3        Tier3Record   `json:"tier3"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HasTier2 reports whether a scraped caption is attached.
func (i *Item) HasTier2() bool {
	return i.Tier2 != nil && !i.Tier2.Empty()
}

// NewItem returns an item with Tier-1 metadata and untouched higher tiers.
func NewItem(id, collectionID string, meta Metadata) Item {
	return Item{
		ID:           id,
		CollectionID: collectionID,
		Tier1:        meta,
		Tier2Status:  Tier2StatusNone,
		Tier3:        Tier3Record{State: Tier3NotStarted},
	}
}
