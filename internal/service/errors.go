package service

import "errors"

// FetchError means the feed could not be retrieved or decoded.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return "fetch rates: " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError means the feed was retrieved but is not a usable rate document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse rates: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidCurrency      = errors.New("invalid currency code")
	ErrCurrencyNotAvailable = errors.New("currency is not available")
	ErrInvalidTTL           = errors.New("ttl hours must be positive")
	ErrNoUsableRecords      = errors.New("feed has no usable records")
)

// IsUpstream reports whether err came from the feed rather than from local
// storage.
func IsUpstream(err error) bool {
	var fe *FetchError
	var pe *ParseError
	return errors.As(err, &fe) || errors.As(err, &pe)
}
