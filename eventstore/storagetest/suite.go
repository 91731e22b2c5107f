// Package storagetest содержит набор проверок, общий для всех реализаций
// eventstore.Storage. Каждая проверка работает в собственном канале, поэтому
// реализации могут использовать одну общую таблицу или коллекцию.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// Expiry — порог истечения, используемый в проверках.
const Expiry = time.Minute

// Factory создает хранилище, использующее переданные часы.
type Factory func(t *testing.T, clock eventstore.Clock) eventstore.Storage

// Run запускает все проверки набора.
func Run(t *testing.T, factory Factory) {
	t.Run("создание и выборка", func(t *testing.T) { testCreateAndFind(t, factory) })
	t.Run("дубликат идентификатора", func(t *testing.T) { testDuplicateID(t, factory) })
	t.Run("неизвестный идентификатор", func(t *testing.T) { testNotFound(t, factory) })
	t.Run("потребление терминально", func(t *testing.T) { testConsumedIsTerminal(t, factory) })
	t.Run("предикат ожидания", func(t *testing.T) { testPendingPredicate(t, factory) })
	t.Run("возврат после подтверждения", func(t *testing.T) { testReturnAfterProduce(t, factory) })
	t.Run("захват сбрасывает отметки", func(t *testing.T) { testClaimResetsFields(t, factory) })
	t.Run("ошибка колбэка не прерывает проход", func(t *testing.T) { testCallbackFailure(t, factory) })
	t.Run("конкурентные проходы", func(t *testing.T) { testConcurrentScanners(t, factory) })
	t.Run("независимость от временной зоны", func(t *testing.T) { testTimezoneIndependence(t, factory) })
	t.Run("границы канала", func(t *testing.T) { testChannelScope(t, factory) })
}

func newClock() *eventstore.ManualClock {
	return eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func newChannel() string {
	return "channel-" + uuid.NewString()
}

func create(t *testing.T, s eventstore.Storage, channel string) *eventstore.Record {
	t.Helper()
	id := uuid.NewString()
	rec, err := s.Create(context.Background(), eventstore.NewRecord{
		ID:          id,
		Channel:     channel,
		Header:      fmt.Sprintf(`{"eventId":"%s"}`, id),
		Payload:     `"testing message"`,
		PayloadType: "string",
	})
	require.NoError(t, err)
	return rec
}

func scan(t *testing.T, s eventstore.Storage, channel string) []*eventstore.Record {
	t.Helper()
	var (
		mu      sync.Mutex
		claimed []*eventstore.Record
	)
	n, err := s.ScanAndClaimPending(context.Background(), channel, Expiry, func(_ context.Context, rec *eventstore.Record) error {
		mu.Lock()
		claimed = append(claimed, rec)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(claimed), n)
	return claimed
}

func find(t *testing.T, s eventstore.Storage, channel, id string) *eventstore.Record {
	t.Helper()
	records, err := s.FindAll(context.Background(), channel)
	require.NoError(t, err)
	for _, r := range records {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("запись %s не найдена", id)
	return nil
}

func ids(records []*eventstore.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func testCreateAndFind(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	channel := newChannel()

	first := create(t, s, channel)
	second := create(t, s, channel)

	assert.Equal(t, int64(1), first.AttemptCount)
	assert.True(t, first.WrittenOn.Equal(clock.Now()))
	assert.Equal(t, time.UTC, first.WrittenOn.Location())
	assert.Nil(t, first.ProducerAckOn)
	assert.Nil(t, first.ReturnedOn)
	assert.Nil(t, first.ConsumerAckOn)

	records, err := s.FindAll(context.Background(), channel)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids(records))

	stored := find(t, s, channel, first.ID)
	assert.Equal(t, channel, stored.Channel)
	assert.Equal(t, "string", stored.PayloadType)
	assert.JSONEq(t, first.Header, stored.Header)
	assert.JSONEq(t, `"testing message"`, stored.Payload)
}

func testDuplicateID(t *testing.T, factory Factory) {
	s := factory(t, newClock())
	channel := newChannel()
	rec := create(t, s, channel)

	_, err := s.Create(context.Background(), eventstore.NewRecord{
		ID:          rec.ID,
		Channel:     channel,
		Header:      `{}`,
		Payload:     `"x"`,
		PayloadType: "string",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, eventstore.ErrStorage)
	assert.ErrorIs(t, err, eventstore.ErrDuplicateID)
}

func testNotFound(t *testing.T, factory Factory) {
	s := factory(t, newClock())
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.MarkReturned(ctx, id)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
	_, err = s.MarkProduced(ctx, id)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
	_, err = s.MarkConsumed(ctx, id)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
	_, err = s.HasConsumed(ctx, id)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func testConsumedIsTerminal(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	ctx := context.Background()
	channel := newChannel()
	rec := create(t, s, channel)

	consumed, err := s.HasConsumed(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, consumed)

	first, err := s.MarkConsumed(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ConsumerAckOn)

	clock.Advance(time.Second)
	second, err := s.MarkConsumed(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, first.ConsumerAckOn.Equal(*second.ConsumerAckOn), "отметка потребления не должна перезаписываться")

	consumed, err = s.HasConsumed(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, consumed)

	_, err = s.MarkProduced(ctx, rec.ID)
	require.NoError(t, err)
	_, err = s.MarkReturned(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(2 * Expiry)
	assert.Empty(t, scan(t, s, channel), "потребленная запись не должна захватываться")
	assert.Equal(t, int64(1), find(t, s, channel, rec.ID).AttemptCount)
}

func testPendingPredicate(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	ctx := context.Background()
	channel := newChannel()

	noAck := create(t, s, channel)
	produced := create(t, s, channel)
	returnedOnly := create(t, s, channel)
	consumed := create(t, s, channel)

	_, err := s.MarkProduced(ctx, produced.ID)
	require.NoError(t, err)
	_, err = s.MarkReturned(ctx, returnedOnly.ID)
	require.NoError(t, err)
	_, err = s.MarkConsumed(ctx, consumed.ID)
	require.NoError(t, err)

	assert.Empty(t, scan(t, s, channel), "записи до истечения порога не должны захватываться")

	clock.Advance(Expiry + time.Second)
	fresh := create(t, s, channel)

	claimed := scan(t, s, channel)
	assert.ElementsMatch(t, []string{noAck.ID, returnedOnly.ID}, ids(claimed))
	assert.Equal(t, int64(1), find(t, s, channel, produced.ID).AttemptCount)
	assert.Equal(t, int64(1), find(t, s, channel, fresh.ID).AttemptCount)
}

func testReturnAfterProduce(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	ctx := context.Background()
	channel := newChannel()
	rec := create(t, s, channel)

	_, err := s.MarkProduced(ctx, rec.ID)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	updated, err := s.MarkReturned(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.ProducerAckOn)
	require.NotNil(t, updated.ReturnedOn)

	clock.Advance(Expiry + time.Second)
	claimed := scan(t, s, channel)
	require.Len(t, claimed, 1)
	assert.Equal(t, rec.ID, claimed[0].ID)
}

func testClaimResetsFields(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	ctx := context.Background()
	channel := newChannel()
	rec := create(t, s, channel)

	_, err := s.MarkReturned(ctx, rec.ID)
	require.NoError(t, err)
	_, err = s.MarkProduced(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(Expiry + time.Second)
	claimed := scan(t, s, channel)
	require.Len(t, claimed, 1)

	got := claimed[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, channel, got.Channel)
	assert.JSONEq(t, rec.Header, got.Header)
	assert.JSONEq(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.PayloadType, got.PayloadType)
	assert.Equal(t, int64(2), got.AttemptCount)

	stored := find(t, s, channel, rec.ID)
	assert.Equal(t, int64(2), stored.AttemptCount)
	assert.True(t, stored.WrittenOn.Equal(clock.Now()))
	assert.Nil(t, stored.ProducerAckOn)
	assert.Nil(t, stored.ReturnedOn)

	assert.Empty(t, scan(t, s, channel), "повторный проход в том же окне не должен захватывать запись")
}

func testCallbackFailure(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	channel := newChannel()

	const total = 3
	for i := 0; i < total; i++ {
		create(t, s, channel)
	}
	clock.Advance(Expiry + time.Second)

	var calls atomic.Int32
	var failedID string
	n, err := s.ScanAndClaimPending(context.Background(), channel, Expiry, func(_ context.Context, rec *eventstore.Record) error {
		if calls.Add(1) == 1 {
			failedID = rec.ID
			return errors.New("брокер недоступен")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(total), calls.Load(), "колбэк должен быть вызван для каждой записи")
	assert.Equal(t, total-1, n)

	// Захват не откатывается: запись снова станет ожидающей после истечения порога.
	failed := find(t, s, channel, failedID)
	assert.Equal(t, int64(2), failed.AttemptCount)
}

func testConcurrentScanners(t *testing.T, factory Factory) {
	const (
		records  = 10
		scanners = 8
		passes   = 3
	)

	clock := newClock()
	s := factory(t, clock)
	channel := newChannel()

	for i := 0; i < records; i++ {
		create(t, s, channel)
	}

	var mu sync.Mutex
	dispatched := make(map[string]int)

	for pass := 0; pass < passes; pass++ {
		clock.Advance(Expiry + time.Second)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			total atomic.Int64
		)
		for i := 0; i < scanners; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				n, err := s.ScanAndClaimPending(context.Background(), channel, Expiry, func(_ context.Context, rec *eventstore.Record) error {
					mu.Lock()
					dispatched[rec.ID]++
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
				total.Add(int64(n))
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(records), total.Load(), "за проход каждая запись захватывается ровно один раз")
	}

	all, err := s.FindAll(context.Background(), channel)
	require.NoError(t, err)
	require.Len(t, all, records)
	for _, r := range all {
		assert.Equal(t, int64(passes+1), r.AttemptCount, "запись %s", r.ID)
		assert.Equal(t, passes, dispatched[r.ID], "запись %s", r.ID)
	}
}

func testTimezoneIndependence(t *testing.T, factory Factory) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	clock := newClock()
	clock.SetLocation(shanghai)
	s := factory(t, clock)
	channel := newChannel()

	rec := create(t, s, channel)
	assert.Equal(t, time.UTC, rec.WrittenOn.Location())

	clock.Advance(Expiry + time.Second)
	clock.SetLocation(tokyo)

	claimed := scan(t, s, channel)
	require.Len(t, claimed, 1)
	assert.Equal(t, rec.ID, claimed[0].ID)
}

func testChannelScope(t *testing.T, factory Factory) {
	clock := newClock()
	s := factory(t, clock)
	ctx := context.Background()
	first, second := newChannel(), newChannel()

	a := create(t, s, first)
	b := create(t, s, second)
	clock.Advance(Expiry + time.Second)

	claimed := scan(t, s, first)
	require.Len(t, claimed, 1)
	assert.Equal(t, a.ID, claimed[0].ID)
	assert.Equal(t, int64(1), find(t, s, second, b.ID).AttemptCount)

	require.NoError(t, s.DeleteAll(ctx, first))
	records, err := s.FindAll(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = s.FindAll(ctx, second)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
