package usecase

import (
	"context"

	"cbrf-exchange/internal/entity"
)

// PricingUsecase is what the HTTP and CLI layers drive.
type PricingUsecase interface {
	GetRate(ctx context.Context, charCode string) (*RateResponse, error)
	ConvertPrice(ctx context.Context, price float64, charCode string) (*PriceResponse, error)
	ConvertRange(ctx context.Context, prices []float64, charCode string) (*PriceRangeResponse, error)
	ListRates(ctx context.Context) (*RatesListResponse, error)
	AvailableCurrencies(ctx context.Context) ([]string, error)
	ForceRefresh(ctx context.Context) (*SnapshotResponse, error)
	GetSettings(ctx context.Context) (*SettingsResponse, error)
	SaveCurrencies(ctx context.Context, codes []string) (*SettingsResponse, error)
	SaveTTL(ctx context.Context, hours int) (*SettingsResponse, error)
	Uninstall(ctx context.Context) error
}

type RateCache interface {
	Get(ctx context.Context) (*entity.RateSnapshot, error)
	LookupByCode(ctx context.Context, code string) (*entity.RateRecord, bool, error)
	ForceRefresh(ctx context.Context) (*entity.RateSnapshot, error)
	Reset(ctx context.Context) error
}

type SettingsStore interface {
	Load(ctx context.Context) (entity.Settings, error)
	SaveEnabledCurrencies(ctx context.Context, codes []string) (entity.Settings, error)
	SaveTTLHours(ctx context.Context, hours int) (entity.Settings, error)
	Available() []string
}
