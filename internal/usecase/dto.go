package usecase

import "time"

type RateResponse struct {
	CharCode  string    `json:"char_code"`
	Name      string    `json:"name,omitempty"`
	Nominal   int       `json:"nominal"`
	Value     float64   `json:"value"`
	UnitRate  float64   `json:"unit_rate"`
	BaseCode  string    `json:"base_code"`
	FeedDate  string    `json:"feed_date,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PriceResponse carries a converted price. When no rate applies Price equals
// Original and Converted is false.
type PriceResponse struct {
	Original  float64 `json:"original"`
	Currency  string  `json:"currency,omitempty"`
	Price     float64 `json:"price"`
	BaseCode  string  `json:"base_code,omitempty"`
	Converted bool    `json:"converted"`
}

type PriceRangeResponse struct {
	Currency  string    `json:"currency,omitempty"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Prices    []float64 `json:"prices"`
	BaseCode  string    `json:"base_code,omitempty"`
	Converted bool      `json:"converted"`
}

type ListedRate struct {
	CharCode string  `json:"char_code"`
	NumCode  string  `json:"num_code,omitempty"`
	Name     string  `json:"name"`
	Nominal  int     `json:"nominal"`
	Value    float64 `json:"value"`
	Enabled  bool    `json:"enabled"`
}

type RatesListResponse struct {
	FeedDate string       `json:"feed_date,omitempty"`
	BaseCode string       `json:"base_code"`
	Rates    []ListedRate `json:"rates"`
	Skipped  int          `json:"skipped"`
}

type SnapshotResponse struct {
	ID        string    `json:"id"`
	FeedDate  string    `json:"feed_date,omitempty"`
	Records   int       `json:"records"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SettingsResponse struct {
	Available []string `json:"available"`
	Enabled   []string `json:"enabled"`
	TTLHours  int      `json:"ttl_hours"`
}
