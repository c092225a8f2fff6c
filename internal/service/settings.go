package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cbrf-exchange/internal/entity"

	"github.com/sirupsen/logrus"
)

var charCodeRegexp = regexp.MustCompile(`^[A-Z]{3}$`)

// SettingsService persists the operator settings next to the snapshot. The
// settings entry never expires; Reset removes it.
type SettingsService struct {
	store     Store
	key       string
	available []string
	defaults  entity.Settings
	logger    *logrus.Logger
}

func NewSettingsService(store Store, key string, available, selected []string, ttlHours int, logger *logrus.Logger) *SettingsService {
	return &SettingsService{
		store:     store,
		key:       key,
		available: append([]string(nil), available...),
		defaults: entity.Settings{
			EnabledCurrencies: append([]string(nil), selected...),
			TTLHours:          ttlHours,
		},
		logger: logger,
	}
}

// Available lists the currencies an operator may enable.
func (s *SettingsService) Available() []string {
	return append([]string(nil), s.available...)
}

// Load returns the stored settings, or the configured defaults when none
// were saved yet. Missing fields fall back to the defaults too.
func (s *SettingsService) Load(ctx context.Context) (entity.Settings, error) {
	data, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return entity.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if !ok {
		return s.copyDefaults(), nil
	}

	var st entity.Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return entity.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if st.EnabledCurrencies == nil {
		st.EnabledCurrencies = s.copyDefaults().EnabledCurrencies
	}
	if st.TTLHours <= 0 {
		st.TTLHours = s.defaults.TTLHours
	}
	return st, nil
}

// SaveEnabledCurrencies validates and stores the enabled set. Codes are
// upper-cased and de-duplicated keeping the first occurrence.
func (s *SettingsService) SaveEnabledCurrencies(ctx context.Context, codes []string) (entity.Settings, error) {
	enabled := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, raw := range codes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if !charCodeRegexp.MatchString(code) {
			return entity.Settings{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
		if !s.isAvailable(code) {
			return entity.Settings{}, fmt.Errorf("%w: %s", ErrCurrencyNotAvailable, code)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		enabled = append(enabled, code)
	}

	st, err := s.Load(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Stored settings unreadable, overwriting")
		st = s.copyDefaults()
	}
	st.EnabledCurrencies = enabled

	if err := s.save(ctx, st); err != nil {
		return entity.Settings{}, err
	}
	s.logger.WithField("currencies", enabled).Info("Enabled currencies saved")
	return st, nil
}

// SaveTTLHours overrides the configured snapshot lifetime. It applies from
// the next refresh.
func (s *SettingsService) SaveTTLHours(ctx context.Context, hours int) (entity.Settings, error) {
	if hours <= 0 {
		return entity.Settings{}, fmt.Errorf("%w: %d", ErrInvalidTTL, hours)
	}

	st, err := s.Load(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Stored settings unreadable, overwriting")
		st = s.copyDefaults()
	}
	st.TTLHours = hours

	if err := s.save(ctx, st); err != nil {
		return entity.Settings{}, err
	}
	s.logger.WithField("ttl_hours", hours).Info("Cache TTL saved")
	return st, nil
}

// TTL is the lifetime applied to the next snapshot.
func (s *SettingsService) TTL(ctx context.Context) (time.Duration, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(st.TTLHours) * time.Hour, nil
}

func (s *SettingsService) save(ctx context.Context, st entity.Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.store.Set(ctx, s.key, data, 0); err != nil {
		s.logger.Errorf("Failed to store settings: %v", err)
		return fmt.Errorf("store settings: %w", err)
	}
	return nil
}

func (s *SettingsService) isAvailable(code string) bool {
	for _, c := range s.available {
		if c == code {
			return true
		}
	}
	return false
}

func (s *SettingsService) copyDefaults() entity.Settings {
	return entity.Settings{
		EnabledCurrencies: append([]string{}, s.defaults.EnabledCurrencies...),
		TTLHours:          s.defaults.TTLHours,
	}
}
