package entity

import "time"

// RateRecord is one currency line of the daily feed, normalised.
type RateRecord struct {
	CharCode string  `json:"char_code"`
	NumCode  string  `json:"num_code,omitempty"`
	Name     string  `json:"name,omitempty"`
	Nominal  int     `json:"nominal"`
	Value    float64 `json:"value"`
	BaseCode string  `json:"base_code"`
}

// UnitRate is the base currency amount for a single foreign unit.
func (r RateRecord) UnitRate() float64 {
	return r.Value / float64(r.Nominal)
}

// RateSnapshot is the result of one successful refresh. It is never
// modified after it has been stored.
type RateSnapshot struct {
	ID        string       `json:"id"`
	FeedDate  string       `json:"feed_date,omitempty"`
	Records   []RateRecord `json:"records"`
	FetchedAt time.Time    `json:"fetched_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// IsFresh reports whether now is before the expiry instant. The expiry
// instant itself counts as stale.
func (s *RateSnapshot) IsFresh(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Find returns the first record with the given char code.
func (s *RateSnapshot) Find(code string) (*RateRecord, bool) {
	for i := range s.Records {
		if s.Records[i].CharCode == code {
			rec := s.Records[i]
			return &rec, true
		}
	}
	return nil, false
}

// Settings are the operator-editable options persisted next to the cache.
type Settings struct {
	EnabledCurrencies []string `json:"currencies_selected"`
	TTLHours          int      `json:"ttl_hours,omitempty"`
}

// IsEnabled reports whether code is part of the enabled set.
func (s Settings) IsEnabled(code string) bool {
	for _, c := range s.EnabledCurrencies {
		if c == code {
			return true
		}
	}
	return false
}
