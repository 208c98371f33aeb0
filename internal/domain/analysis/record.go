package analysis

import "time"

// RawRecord is a single post collected from the external feed before scoring.
// Duplicate records (same SourceURL and PublishedAt) are not deduplicated
// here; that is a persistence-layer concern.
type RawRecord struct {
	TextContent string    `json:"textContent"`
	Source      string    `json:"source"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	AuthorName  string    `json:"authorName,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	CollectedAt time.Time `json:"collectedAt"`
}

// SentimentLabel classifies a sentiment score into a coarse bucket.
type SentimentLabel string

const (
	SentimentLabelPositive SentimentLabel = "positive"
	SentimentLabelNeutral  SentimentLabel = "neutral"
	SentimentLabelNegative SentimentLabel = "negative"
)

// Sentiment is the result of scoring a single piece of text.
type Sentiment struct {
	Score      float64        `json:"score"`
	Label      SentimentLabel `json:"label"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
}

// DataPoint is a scored record as published to live subscribers.
type DataPoint struct {
	ID             string         `json:"id"`
	TextContent    string         `json:"textContent"`
	Source         string         `json:"source"`
	SentimentScore float64        `json:"sentimentScore"`
	SentimentLabel SentimentLabel `json:"sentimentLabel"`
	PublishedAt    time.Time      `json:"publishedAt"`
}
