package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/services/store/storetest"
	"github.com/lfelipediniz/B3Notifier/services/tunnel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstrument(t *testing.T, s *GormStore, owner, symbol string, interval int) models.Instrument {
	t.Helper()
	inst := models.Instrument{OwnerID: owner, Symbol: symbol, RefreshIntervalMinutes: interval}
	require.NoError(t, s.Create(context.Background(), &inst))
	return inst
}

func TestGormStore_ListDue(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	never := newInstrument(t, s, "u1", "PETR4", 5)
	stale := newInstrument(t, s, "u1", "VALE3", 5)
	fresh := newInstrument(t, s, "u1", "ITUB4", 5)
	exact := newInstrument(t, s, "u2", "PETR4", 10)

	require.NoError(t, s.TouchLastRefreshed(ctx, stale.ID, now.Add(-6*time.Minute)))
	require.NoError(t, s.TouchLastRefreshed(ctx, fresh.ID, now.Add(-4*time.Minute)))
	require.NoError(t, s.TouchLastRefreshed(ctx, exact.ID, now.Add(-10*time.Minute)))

	due, err := s.ListDue(ctx, now)
	require.NoError(t, err)

	ids := make([]uint, 0, len(due))
	for _, inst := range due {
		ids = append(ids, inst.ID)
	}
	assert.ElementsMatch(t, []uint{never.ID, stale.ID, exact.ID}, ids)
	assert.NotContains(t, ids, fresh.ID)
}

func TestGormStore_CreateRejectsDuplicateSymbol(t *testing.T) {
	s := New(storetest.NewDB(t))
	newInstrument(t, s, "u1", "PETR4", 5)

	dup := models.Instrument{OwnerID: "u1", Symbol: "PETR4", RefreshIntervalMinutes: 5}
	assert.ErrorIs(t, s.Create(context.Background(), &dup), ErrDuplicate)

	other := models.Instrument{OwnerID: "u2", Symbol: "PETR4", RefreshIntervalMinutes: 5}
	assert.NoError(t, s.Create(context.Background(), &other))
}

func TestGormStore_ApplyTunnel(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	inst := newInstrument(t, s, "u1", "PETR4", 5)
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	err := s.ApplyTunnel(ctx, inst.ID, tunnel.Result{
		ReferencePrice: decimal.RequireFromString("100"),
		BuyLimit:       decimal.RequireFromString("98.5"),
		SellLimit:      decimal.RequireFromString("101.5"),
	}, now)
	require.NoError(t, err)

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, got.HasTunnel())
	assert.True(t, got.ReferencePrice.Decimal.Equal(decimal.RequireFromString("100")))
	assert.True(t, got.LowerLimit.Decimal.Equal(decimal.RequireFromString("98.5")))
	assert.True(t, got.UpperLimit.Decimal.Equal(decimal.RequireFromString("101.5")))
	require.NotNil(t, got.LastRefreshedAt)
	assert.True(t, got.LastRefreshedAt.Equal(now))
}

func TestGormStore_UnknownInstrument(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))

	_, err := s.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.TouchLastRefreshed(ctx, 42, time.Now()), ErrNotFound)

	inst := newInstrument(t, s, "u1", "PETR4", 5)
	_, err = s.Delete(ctx, inst.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_CompareAndSetAlertFlag(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	inst := newInstrument(t, s, "u1", "PETR4", 5)

	won, err := s.CompareAndSetAlertFlag(ctx, inst.ID, models.SideUpper, false, true)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.CompareAndSetAlertFlag(ctx, inst.ID, models.SideUpper, false, true)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = s.CompareAndSetAlertFlag(ctx, inst.ID, models.SideLower, false, true)
	require.NoError(t, err)
	assert.True(t, won, "sides are independent")

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.UpperAlertSent)
	assert.True(t, got.LowerAlertSent)
}

func TestGormStore_CompareAndSetAlertFlagSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	inst := newInstrument(t, s, "u1", "PETR4", 5)

	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			won, err := s.CompareAndSetAlertFlag(ctx, inst.ID, models.SideUpper, false, true)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestGormStore_ResetAlertFlags(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	inst := newInstrument(t, s, "u1", "PETR4", 5)

	cleared, err := s.ResetAlertFlags(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, cleared, "nothing to clear")

	_, err = s.CompareAndSetAlertFlag(ctx, inst.ID, models.SideUpper, false, true)
	require.NoError(t, err)

	cleared, err = s.ResetAlertFlags(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, cleared)

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, got.UpperAlertSent)
	assert.False(t, got.LowerAlertSent)
}

func TestGormStore_LatestRefresh(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))

	latest, err := s.LatestRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	a := newInstrument(t, s, "u1", "PETR4", 5)
	b := newInstrument(t, s, "u1", "VALE3", 5)
	c := newInstrument(t, s, "u2", "ITUB4", 5)
	base := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastRefreshed(ctx, a.ID, base))
	require.NoError(t, s.TouchLastRefreshed(ctx, b.ID, base.Add(3*time.Minute)))
	require.NoError(t, s.TouchLastRefreshed(ctx, c.ID, base.Add(time.Hour)))

	latest, err = s.LatestRefresh(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(base.Add(3*time.Minute)))
}

func TestGormStore_AlertHistory(t *testing.T) {
	ctx := context.Background()
	s := New(storetest.NewDB(t))
	inst := newInstrument(t, s, "u1", "PETR4", 5)
	base := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAlert(ctx, models.NewAlertEvent(&inst, models.AlertAddition, base)))
	require.NoError(t, s.RecordAlert(ctx, models.NewAlertEvent(&inst, models.AlertSellSuggestion, base.Add(time.Minute))))

	removed, err := s.Delete(ctx, inst.ID, "u1")
	require.NoError(t, err)
	require.NoError(t, s.RecordAlert(ctx, models.NewAlertEvent(&removed, models.AlertRemoval, base.Add(2*time.Minute))))

	events, err := s.ListAlerts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.AlertRemoval, events[0].Kind)
	assert.Equal(t, "PETR4", events[0].Symbol)
	assert.Equal(t, models.AlertAddition, events[2].Kind)

	others, err := s.ListAlerts(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, others)
}
