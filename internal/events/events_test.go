package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudstream/internal/validation"
)

func validEvent() *Event {
	return &Event{
		ID:         "evt_1",
		Source:     DefaultSource,
		UserID:     "u1",
		MerchantID: "m1",
		Amount:     10.5,
		Currency:   "EUR",
	}
}

func TestValidate_Accepts(t *testing.T) {
	require.NoError(t, validEvent().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"zero amount", func(e *Event) { e.Amount = 0 }, "amount"},
		{"negative amount", func(e *Event) { e.Amount = -3 }, "amount"},
		{"missing id", func(e *Event) { e.ID = "" }, "id"},
		{"missing user", func(e *Event) { e.UserID = " " }, "user_id"},
		{"missing merchant", func(e *Event) { e.MerchantID = "" }, "merchant_id"},
		{"short currency", func(e *Event) { e.Currency = "EU" }, "currency"},
		{"long currency", func(e *Event) { e.Currency = "ABCDEFGHI" }, "currency"},
		{"id too long", func(e *Event) { e.ID = strings.Repeat("x", MaxIDLength+1) }, "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)

			err := e.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEvent))

			var fieldErrs validation.Errors
			require.True(t, errors.As(err, &fieldErrs))
			assert.Equal(t, tt.field, fieldErrs[0].Field)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	e := &Event{ID: "evt_1"}
	e.ApplyDefaults()
	assert.Equal(t, "api", e.Source)
	assert.Equal(t, "EUR", e.Currency)

	e = &Event{ID: "evt_2", Source: "batch", Currency: "USD"}
	e.ApplyDefaults()
	assert.Equal(t, "batch", e.Source)
	assert.Equal(t, "USD", e.Currency)
}

func TestMemoryStore_InsertIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := time.Date(2026, 2, 3, 20, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }

	e := validEvent()
	created, err := store.InsertIfAbsent(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first, e.CreatedAt)

	store.now = func() time.Time { return first.Add(time.Hour) }
	dup := validEvent()
	dup.Amount = 99
	created, err = store.InsertIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, dup.CreatedAt, "duplicate reports the original timestamp")

	assert.Equal(t, 1, store.Count())
	got, err := store.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 10.5, got.Amount, "first write wins for events")
}

func TestMemoryStore_ConcurrentInsertsCreateOneRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.InsertIfAbsent(ctx, validEvent())
			if err == nil && created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Equal(t, 1, store.Count())
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"evt_c", "evt_a", "evt_b"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return ts }
		e := validEvent()
		e.ID = id
		_, err := store.InsertIfAbsent(ctx, e)
		require.NoError(t, err)
	}

	list, err := store.ListBefore(ctx, base.Add(90*time.Second), Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "evt_c", list[0].ID)
	assert.Equal(t, "evt_a", list[1].ID)

	list, err = store.ListBefore(ctx, base.Add(time.Hour), Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = store.ListBefore(ctx, base.Add(time.Hour), CursorOf(list[0]), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "evt_a", list[0].ID)
	assert.Equal(t, "evt_b", list[1].ID)
}

func TestMemoryStore_ListBeforeTiesBreakOnID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return ts })
	for _, id := range []string{"evt_b", "evt_a", "evt_c"} {
		e := validEvent()
		e.ID = id
		_, err := store.InsertIfAbsent(ctx, e)
		require.NoError(t, err)
	}

	list, err := store.ListBefore(ctx, ts.Add(time.Second), Cursor{CreatedAt: ts, ID: "evt_a"}, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "evt_b", list[0].ID)
	assert.Equal(t, "evt_c", list[1].ID)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()

	_, err := store.InsertIfAbsent(ctx, validEvent())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Count())
}
