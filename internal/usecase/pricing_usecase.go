package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"cbrf-exchange/internal/adapter/cbr"
	"cbrf-exchange/internal/entity"
	"cbrf-exchange/internal/feed"
	"cbrf-exchange/internal/metrics"
	"cbrf-exchange/internal/service"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidCharCode = errors.New("invalid char code format, expected 3 uppercase letters")
	ErrRateNotFound    = errors.New("rate not found")
	ErrInvalidPrice    = errors.New("price must be a non-negative number")
)

var charCodeRegexp = regexp.MustCompile(`^[A-Z]{3}$`)

// PricePrecision is the number of decimals a converted price is rounded to.
const PricePrecision = 2

type Pricing struct {
	cache    RateCache
	settings SettingsStore
	client   cbr.CbrClient
	parser   *feed.Parser
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewPricing(cache RateCache, settings SettingsStore, client cbr.CbrClient, parser *feed.Parser, m *metrics.Metrics, logger *logrus.Logger) *Pricing {
	return &Pricing{
		cache:    cache,
		settings: settings,
		client:   client,
		parser:   parser,
		metrics:  m,
		logger:   logger,
	}
}

// Convert computes round2(price * value / nominal).
func Convert(price float64, rec entity.RateRecord) float64 {
	res := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(rec.Value)).
		Div(decimal.NewFromInt(int64(rec.Nominal))).
		Round(PricePrecision)
	f, _ := res.Float64()
	return f
}

func (uc *Pricing) GetRate(ctx context.Context, charCode string) (*RateResponse, error) {
	code := normalizeCode(charCode)
	if !charCodeRegexp.MatchString(code) {
		uc.logger.Errorf("Bad Valute format %s", charCode)
		return nil, ErrInvalidCharCode
	}

	snap, err := uc.cache.Get(ctx)
	if err != nil {
		uc.logger.WithError(err).Error("Failed to get rate snapshot")
		return nil, err
	}

	rec, ok := snap.Find(code)
	if !ok {
		uc.logger.Warnf("No currency found for CharCode: %s", code)
		return nil, fmt.Errorf("%w: %s", ErrRateNotFound, code)
	}

	return &RateResponse{
		CharCode:  rec.CharCode,
		Name:      rec.Name,
		Nominal:   rec.Nominal,
		Value:     rec.Value,
		UnitRate:  roundTo(rec.UnitRate(), feed.ValuePrecision),
		BaseCode:  rec.BaseCode,
		FeedDate:  snap.FeedDate,
		ExpiresAt: snap.ExpiresAt,
	}, nil
}

// ConvertPrice converts price from charCode into the base currency. A price
// with no currency, or a currency the feed does not carry, comes back as is.
func (uc *Pricing) ConvertPrice(ctx context.Context, price float64, charCode string) (*PriceResponse, error) {
	if !validPrice(price) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	code := normalizeCode(charCode)

	rec, ok, err := uc.cache.LookupByCode(ctx, code)
	if err != nil {
		uc.logger.WithError(err).Errorf("Failed to look up rate for %s", code)
		return nil, err
	}

	resp := &PriceResponse{Original: price, Currency: code, Price: price}
	if !ok {
		uc.logger.Debugf("No conversion applies for %q", code)
		return resp, nil
	}

	resp.Price = Convert(price, *rec)
	resp.BaseCode = rec.BaseCode
	resp.Converted = true
	uc.metrics.ConversionsTotal.Inc()
	return resp, nil
}

// ConvertRange converts the distinct prices of a variable product and reports
// the lowest and highest result.
func (uc *Pricing) ConvertRange(ctx context.Context, prices []float64, charCode string) (*PriceRangeResponse, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: no prices given", ErrInvalidPrice)
	}

	uniq := make([]float64, 0, len(prices))
	seen := make(map[float64]struct{}, len(prices))
	for _, p := range prices {
		if !validPrice(p) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	sort.Float64s(uniq)

	code := normalizeCode(charCode)
	rec, ok, err := uc.cache.LookupByCode(ctx, code)
	if err != nil {
		uc.logger.WithError(err).Errorf("Failed to look up rate for %s", code)
		return nil, err
	}

	resp := &PriceRangeResponse{Currency: code, Prices: uniq}
	if ok {
		converted := make([]float64, len(uniq))
		for i, p := range uniq {
			converted[i] = Convert(p, *rec)
		}
		resp.Prices = converted
		resp.BaseCode = rec.BaseCode
		resp.Converted = true
		uc.metrics.ConversionsTotal.Add(float64(len(converted)))
	}
	resp.Min = resp.Prices[0]
	resp.Max = resp.Prices[len(resp.Prices)-1]
	return resp, nil
}

// ListRates reads the feed directly, bypassing the cache, and flags the
// currencies that are enabled.
func (uc *Pricing) ListRates(ctx context.Context) (*RatesListResponse, error) {
	st, err := uc.settings.Load(ctx)
	if err != nil {
		uc.logger.WithError(err).Warn("Failed to load settings, listing without enabled flags")
	}

	doc, err := uc.client.FetchDocument(ctx)
	if err != nil {
		uc.logger.Errorf("Failed to fetch rates for listing: %v", err)
		return nil, &service.FetchError{Err: err}
	}
	res, err := uc.parser.Parse(doc)
	if err != nil {
		uc.logger.Errorf("Failed to parse rates for listing: %v", err)
		return nil, &service.ParseError{Err: err}
	}

	list := &RatesListResponse{
		FeedDate: res.FeedDate,
		BaseCode: uc.parser.BaseCode(),
		Rates:    make([]ListedRate, 0, len(res.Records)),
		Skipped:  res.SkippedCount(),
	}
	for _, rec := range res.Records {
		list.Rates = append(list.Rates, ListedRate{
			CharCode: rec.CharCode,
			NumCode:  rec.NumCode,
			Name:     rec.Name,
			Nominal:  rec.Nominal,
			Value:    rec.Value,
			Enabled:  st.IsEnabled(rec.CharCode),
		})
	}

	uc.logger.Infof("Listed %d rates (skipped %d)", len(list.Rates), list.Skipped)
	return list, nil
}

// AvailableCurrencies are the selectable currencies that are also enabled,
// in configuration order.
func (uc *Pricing) AvailableCurrencies(ctx context.Context) ([]string, error) {
	st, err := uc.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	res := make([]string, 0, len(st.EnabledCurrencies))
	for _, code := range uc.settings.Available() {
		if st.IsEnabled(code) {
			res = append(res, code)
		}
	}
	return res, nil
}

func (uc *Pricing) ForceRefresh(ctx context.Context) (*SnapshotResponse, error) {
	uc.logger.Info("Forcing rate refresh")

	snap, err := uc.cache.ForceRefresh(ctx)
	if err != nil {
		uc.logger.Errorf("Forced refresh failed: %v", err)
		return nil, err
	}
	return toSnapshotResponse(snap), nil
}

func (uc *Pricing) GetSettings(ctx context.Context) (*SettingsResponse, error) {
	st, err := uc.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return uc.toSettingsResponse(st), nil
}

func (uc *Pricing) SaveCurrencies(ctx context.Context, codes []string) (*SettingsResponse, error) {
	st, err := uc.settings.SaveEnabledCurrencies(ctx, codes)
	if err != nil {
		return nil, err
	}
	return uc.toSettingsResponse(st), nil
}

func (uc *Pricing) SaveTTL(ctx context.Context, hours int) (*SettingsResponse, error) {
	st, err := uc.settings.SaveTTLHours(ctx, hours)
	if err != nil {
		return nil, err
	}
	return uc.toSettingsResponse(st), nil
}

// Uninstall removes every trace of the cache and settings.
func (uc *Pricing) Uninstall(ctx context.Context) error {
	if err := uc.cache.Reset(ctx); err != nil {
		uc.logger.Errorf("Failed to reset cache: %v", err)
		return err
	}
	uc.logger.Info("Cache and settings removed")
	return nil
}

func (uc *Pricing) toSettingsResponse(st entity.Settings) *SettingsResponse {
	return &SettingsResponse{
		Available: uc.settings.Available(),
		Enabled:   st.EnabledCurrencies,
		TTLHours:  st.TTLHours,
	}
}

func toSnapshotResponse(snap *entity.RateSnapshot) *SnapshotResponse {
	return &SnapshotResponse{
		ID:        snap.ID,
		FeedDate:  snap.FeedDate,
		Records:   len(snap.Records),
		FetchedAt: snap.FetchedAt,
		ExpiresAt: snap.ExpiresAt,
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validPrice(p float64) bool {
	return p >= 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
