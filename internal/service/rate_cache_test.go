package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cbrf-exchange/internal/adapter/cbr"
	"cbrf-exchange/internal/adapter/memory"
	"cbrf-exchange/internal/entity"
	"cbrf-exchange/internal/feed"
	"cbrf-exchange/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	rateKey     = "_woo_cbrf_exchange_transient"
	settingsKey = "_woo_cbrf_exchange_settings"
)

type mockCbrClient struct {
	mock.Mock
}

func (m *mockCbrClient) FetchDocument(ctx context.Context) (*cbr.ValCurs, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cbr.ValCurs), args.Error(1)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore wraps a Store and fails the chosen operations.
type failingStore struct {
	Store
	setErr error
	getErr error
	delErr error
	sets   int
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.delErr != nil {
		return s.delErr
	}
	return s.Store.Delete(ctx, key)
}

type stubTTL struct {
	ttl time.Duration
	err error
}

func (s stubTTL) TTL(context.Context) (time.Duration, error) {
	return s.ttl, s.err
}

var t0 = time.Date(2025, 8, 2, 9, 0, 0, 0, time.UTC)

func sampleDoc() *cbr.ValCurs {
	return &cbr.ValCurs{
		Date: "02.08.2025",
		Valutes: []cbr.Valute{
			{NumCode: "840", CharCode: "USD", Nominal: "1", Name: "US Dollar", Value: "90,2500"},
			{NumCode: "978", CharCode: "EUR", Nominal: "1", Name: "Euro", Value: "100,1234"},
			{NumCode: "392", CharCode: "JPY", Nominal: "100", Name: "Yen", Value: "54,3210"},
		},
	}
}

type cacheFixture struct {
	cache    *RateCache
	cbr      *mockCbrClient
	store    *failingStore
	settings *SettingsService
	clock    *fakeClock
	metrics  *metrics.Metrics
	hook     *test.Hook
}

// gatedClient blocks every fetch until release is closed and honours the
// context it was called with.
type gatedClient struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedClient() *gatedClient {
	return &gatedClient{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedClient) FetchDocument(ctx context.Context) (*cbr.ValCurs, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sampleDoc(), nil
}

func setupTestCache() *cacheFixture {
	mockCbr := new(mockCbrClient)
	f := newCacheFixture(mockCbr, CacheConfig{Key: rateKey, SettingsKey: settingsKey})
	f.cbr = mockCbr
	return f
}

func newCacheFixture(client cbr.CbrClient, cfg CacheConfig) *cacheFixture {
	logger, hook := test.NewNullLogger()
	clock := &fakeClock{t: t0}
	store := &failingStore{Store: memory.NewStore(clock.Now, logger)}
	settings := NewSettingsService(store, settingsKey, []string{"EUR", "USD", "JPY"}, []string{"EUR", "USD"}, 12, logger)
	m := metrics.New(prometheus.NewRegistry())

	cache := NewRateCache(client, feed.NewParser("RUB"), store, settings, cfg, clock.Now, m, logger)

	return &cacheFixture{
		cache:    cache,
		store:    store,
		settings: settings,
		clock:    clock,
		metrics:  m,
		hook:     hook,
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()

	snap, err := f.cache.Refresh(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "02.08.2025", snap.FeedDate)
	assert.Equal(t, t0, snap.FetchedAt)
	assert.Equal(t, t0.Add(12*time.Hour), snap.ExpiresAt)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, entity.RateRecord{
		CharCode: "USD", NumCode: "840", Name: "US Dollar", Nominal: 1, Value: 90.25, BaseCode: "RUB",
	}, snap.Records[0])

	stored, ok, err := f.cache.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshesTotal.WithLabelValues(metrics.ResultOK)))
	f.cbr.AssertExpectations(t)
}

func TestRefresh_UsesSettingsTTL(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	_, err := f.settings.SaveTTLHours(ctx, 2)
	require.NoError(t, err)

	snap, err := f.cache.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), snap.ExpiresAt)
}

func TestRefresh_TTLSourceErrorUsesDefault(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	clock := &fakeClock{t: t0}
	mockCbr := new(mockCbrClient)
	mockCbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	cache := NewRateCache(mockCbr, feed.NewParser("RUB"), memory.NewStore(clock.Now, logger),
		stubTTL{err: errors.New("settings unavailable")},
		CacheConfig{Key: rateKey, SettingsKey: settingsKey}, clock.Now, metrics.New(prometheus.NewRegistry()), logger)

	snap, err := cache.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(DefaultTTL), snap.ExpiresAt)
}

func TestRefresh_FetchError(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(nil, errors.New("connection refused"))

	snap, err := f.cache.Refresh(ctx)
	assert.Nil(t, snap)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorContains(t, err, "connection refused")
	assert.True(t, IsUpstream(err))
	assert.Equal(t, 0, f.store.sets)
}

func TestRefresh_ParseErrorKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()
	f.cbr.On("FetchDocument", mock.Anything).Return(&cbr.ValCurs{Date: "03.08.2025"}, nil).Once()

	first, err := f.cache.Refresh(ctx)
	require.NoError(t, err)

	_, err = f.cache.Refresh(ctx)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, feed.ErrNoValutes)

	stored, ok, err := f.cache.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, stored)
	assert.Equal(t, 1, f.store.sets)
}

func TestRefresh_NoUsableRecordsKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()
	f.cbr.On("FetchDocument", mock.Anything).Return(&cbr.ValCurs{
		Date:    "03.08.2025",
		Valutes: []cbr.Valute{{CharCode: "USD", Nominal: "1", Value: "n/a"}},
	}, nil).Once()

	first, err := f.cache.Refresh(ctx)
	require.NoError(t, err)

	snap, err := f.cache.Refresh(ctx)
	assert.Nil(t, snap)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrNoUsableRecords)
	assert.Equal(t, 1, f.store.sets)

	rec, ok, err := f.cache.LookupByCode(ctx, "USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 90.25, rec.Value)

	stored, _, err := f.cache.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshesTotal.WithLabelValues(metrics.ResultParseError)))
}

func TestRefresh_SkippedRecordsAreCounted(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	doc := sampleDoc()
	doc.Valutes = append(doc.Valutes, cbr.Valute{CharCode: "BAD", Nominal: "0", Value: "1,0"})
	f.cbr.On("FetchDocument", mock.Anything).Return(doc, nil)

	snap, err := f.cache.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkippedRecordsTotal))
}

func TestRefresh_StoreError(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.store.setErr = errors.New("disk full")
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	snap, err := f.cache.Refresh(ctx)
	assert.Nil(t, snap)
	assert.ErrorContains(t, err, "store snapshot")
	assert.False(t, IsUpstream(err))
}

func TestGet_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	first, err := f.cache.Get(ctx)
	require.NoError(t, err)
	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 1)

	f.clock.Advance(12*time.Hour - time.Nanosecond)
	again, err := f.cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 1)

	f.clock.Advance(time.Nanosecond)
	next, err := f.cache.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, t0.Add(24*time.Hour), next.ExpiresAt)
	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 2)
}

func TestGet_NoSnapshotFetchFails(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(nil, errors.New("timeout"))

	snap, err := f.cache.Get(ctx)
	assert.Nil(t, snap)
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestGet_StaleFallback(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()
	f.cbr.On("FetchDocument", mock.Anything).Return(nil, errors.New("503")).Once()

	first, err := f.cache.Get(ctx)
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	stale, err := f.cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stale.ID)
	assert.False(t, stale.IsFresh(f.clock.Now()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleServedTotal))
	f.cbr.AssertExpectations(t)
}

func TestGet_RetentionKeepsStaleCopyPastExpiry(t *testing.T) {
	ctx := context.Background()
	mockCbr := new(mockCbrClient)
	f := newCacheFixture(mockCbr, CacheConfig{Key: rateKey, SettingsKey: settingsKey, Retention: time.Hour})
	mockCbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()
	mockCbr.On("FetchDocument", mock.Anything).Return(nil, errors.New("down"))

	first, err := f.cache.Get(ctx)
	require.NoError(t, err)

	f.clock.Advance(12 * time.Hour)
	stale, err := f.cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stale.ID)

	f.clock.Advance(time.Hour - time.Nanosecond)
	stale, err = f.cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stale.ID)

	f.clock.Advance(time.Nanosecond)
	snap, err := f.cache.Get(ctx)
	assert.Nil(t, snap)
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestGet_UnreadableSnapshotRefreshes(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	require.NoError(t, f.store.Set(ctx, rateKey, []byte("not json"), 0))
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil).Once()

	snap, err := f.cache.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)
	f.cbr.AssertExpectations(t)
}

func TestGet_ConcurrentCallersShareRefresh(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()

	release := make(chan struct{})
	f.cbr.On("FetchDocument", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(sampleDoc(), nil)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := f.cache.Get(ctx)
			if assert.NoError(t, err) {
				ids[i] = snap.ID
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 1)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestGet_CancelledCallerDoesNotFailOthers(t *testing.T) {
	client := newGatedClient()
	f := newCacheFixture(client, CacheConfig{Key: rateKey, SettingsKey: settingsKey})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.cache.Get(leaderCtx)
		leaderErr <- err
	}()

	<-client.started
	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	type result struct {
		snap *entity.RateSnapshot
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		snap, err := f.cache.Get(context.Background())
		follower <- result{snap, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(client.release)

	res := <-follower
	require.NoError(t, res.err)
	assert.Len(t, res.snap.Records, 3)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestInvalidateThenGet_FetchesOnce(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	require.NoError(t, f.cache.Invalidate(ctx))
	for i := 0; i < 5; i++ {
		_, err := f.cache.Get(ctx)
		require.NoError(t, err)
	}
	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 1)
}

func TestForceRefresh(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	first, err := f.cache.Get(ctx)
	require.NoError(t, err)

	forced, err := f.cache.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 2)
}

func TestLookupByCode(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	rec, ok, err := f.cache.LookupByCode(ctx, "USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Nominal)
	assert.Equal(t, 90.25, rec.Value)

	rec, ok, err = f.cache.LookupByCode(ctx, "JPY")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, rec.Nominal)

	rec, ok, err = f.cache.LookupByCode(ctx, "ZZZ")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)

	f.cbr.AssertNumberOfCalls(t, "FetchDocument", 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LookupsTotal.WithLabelValues("miss")))
}

func TestLookupByCode_EmptyCodeSkipsCache(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()

	rec, ok, err := f.cache.LookupByCode(ctx, "")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
	f.cbr.AssertNotCalled(t, "FetchDocument", mock.Anything)
}

func TestLookupByCode_FetchError(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(nil, errors.New("dns"))

	_, ok, err := f.cache.LookupByCode(ctx, "USD")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.cbr.On("FetchDocument", mock.Anything).Return(sampleDoc(), nil)

	_, err := f.cache.Get(ctx)
	require.NoError(t, err)
	_, err = f.settings.SaveEnabledCurrencies(ctx, []string{"JPY"})
	require.NoError(t, err)

	require.NoError(t, f.cache.Reset(ctx))

	_, ok, err := f.cache.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := f.settings.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"EUR", "USD"}, st.EnabledCurrencies)
}

func TestReset_DeleteError(t *testing.T) {
	ctx := context.Background()
	f := setupTestCache()
	f.store.delErr = errors.New("read only")

	assert.ErrorContains(t, f.cache.Reset(ctx), "reset snapshot")
	assert.ErrorContains(t, f.cache.Invalidate(ctx), "invalidate snapshot")
}
