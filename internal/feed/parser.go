// Package feed turns a decoded CBR daily document into rate records.
package feed

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cbrf-exchange/internal/adapter/cbr"
	"cbrf-exchange/internal/entity"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

var (
	ErrNilDocument = errors.New("feed document is nil")
	ErrNoValutes   = errors.New("feed document has no Valute list")
	ErrNoDigits    = errors.New("value has no digits")
)

var (
	charCodeRegexp = regexp.MustCompile(`^[A-Z]{3}$`)
	valueStrip     = regexp.MustCompile(`[^-0-9.]`)
)

// ValuePrecision is the number of decimal places kept from feed values.
const ValuePrecision = 4

// Result is the outcome of one Parse call. Skipped aggregates the reason for
// every rejected Valute entry and is nil when none were rejected.
type Result struct {
	FeedDate string
	Records  []entity.RateRecord
	Skipped  error
}

// SkippedCount returns how many entries were rejected.
func (r *Result) SkippedCount() int {
	return len(multierr.Errors(r.Skipped))
}

type Parser struct {
	baseCode string
}

func NewParser(baseCode string) *Parser {
	return &Parser{baseCode: baseCode}
}

func (p *Parser) BaseCode() string {
	return p.baseCode
}

// Parse converts doc into records in feed order. Only a missing document or
// missing Valute list is an error; bad entries are skipped.
func (p *Parser) Parse(doc *cbr.ValCurs) (*Result, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	if len(doc.Valutes) == 0 {
		return nil, ErrNoValutes
	}

	res := &Result{
		FeedDate: doc.Date,
		Records:  make([]entity.RateRecord, 0, len(doc.Valutes)),
	}
	seen := make(map[string]struct{}, len(doc.Valutes))

	for i, v := range doc.Valutes {
		rec, err := p.record(v)
		if err == nil {
			if _, dup := seen[rec.CharCode]; dup {
				err = fmt.Errorf("duplicate char code %s", rec.CharCode)
			}
		}
		if err != nil {
			res.Skipped = multierr.Append(res.Skipped, fmt.Errorf("valute #%d (%q): %w", i, v.CharCode, err))
			continue
		}
		seen[rec.CharCode] = struct{}{}
		res.Records = append(res.Records, rec)
	}

	return res, nil
}

func (p *Parser) record(v cbr.Valute) (entity.RateRecord, error) {
	code := strings.TrimSpace(v.CharCode)
	if !charCodeRegexp.MatchString(code) {
		return entity.RateRecord{}, fmt.Errorf("invalid char code %q", v.CharCode)
	}

	nominal, err := ParseNominal(v.Nominal)
	if err != nil {
		return entity.RateRecord{}, err
	}

	value, err := NormalizeValue(v.Value)
	if err != nil {
		return entity.RateRecord{}, err
	}
	if value <= 0 {
		return entity.RateRecord{}, fmt.Errorf("non-positive value %v", value)
	}

	return entity.RateRecord{
		CharCode: code,
		NumCode:  strings.TrimSpace(v.NumCode),
		Name:     strings.TrimSpace(v.Name),
		Nominal:  nominal,
		Value:    value,
		BaseCode: p.baseCode,
	}, nil
}

// ParseNominal parses the unit count a rate is quoted per. Zero is rejected.
func ParseNominal(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("nominal is missing")
	}
	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("invalid nominal %q: %w", raw, err)
	}
	if n == 0 {
		return 0, errors.New("nominal is zero")
	}
	return int(n), nil
}

// NormalizeValue turns a locale formatted feed number ("72,8956", " 72.89 ")
// into a float rounded to ValuePrecision places. Anything that is not a digit,
// minus sign or period is dropped after the comma has become a period.
func NormalizeValue(raw string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	s = valueStrip.ReplaceAllString(s, "")
	if strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoDigits, raw)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	f, _ := d.Round(ValuePrecision).Float64()
	return f, nil
}
