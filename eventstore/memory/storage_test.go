package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
	"github.com/x-research-team/dtx-eventstore/eventstore/memory"
	"github.com/x-research-team/dtx-eventstore/eventstore/storagetest"
)

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock eventstore.Clock) eventstore.Storage {
		return memory.NewStorage(memory.WithClock(clock))
	})
}

// Записи, возвращаемые хранилищем, не должны разделять состояние с внутренними.
func TestStorage_ReturnsCopies(t *testing.T) {
	t.Parallel()

	clock := eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memory.NewStorage(memory.WithClock(clock))
	ctx := context.Background()

	rec, err := s.Create(ctx, eventstore.NewRecord{ID: "evt-1", Channel: "orders", Header: `{}`, Payload: `1`, PayloadType: "int"})
	require.NoError(t, err)

	rec.AttemptCount = 100
	now := clock.Now()
	rec.ConsumerAckOn = &now

	records, err := s.FindAll(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].AttemptCount)
	assert.Nil(t, records[0].ConsumerAckOn)
}

func TestStorage_CreateRejectsEmptyID(t *testing.T) {
	t.Parallel()

	s := memory.NewStorage()
	_, err := s.Create(context.Background(), eventstore.NewRecord{Channel: "orders"})
	require.Error(t, err)
	assert.ErrorIs(t, err, eventstore.ErrInvalidArgument)
}

// Колбэк может обращаться к хранилищу без взаимоблокировки.
func TestStorage_CallbackMayUseStorage(t *testing.T) {
	t.Parallel()

	clock := eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memory.NewStorage(memory.WithClock(clock))
	ctx := context.Background()

	_, err := s.Create(ctx, eventstore.NewRecord{ID: "evt-1", Channel: "orders", Header: `{}`, Payload: `1`, PayloadType: "int"})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	n, err := s.ScanAndClaimPending(ctx, "", time.Minute, func(ctx context.Context, rec *eventstore.Record) error {
		_, err := s.MarkProduced(ctx, rec.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := s.FindAll(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, records[0].ProducerAckOn)
}

func TestStorage_ScanStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	clock := eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memory.NewStorage(memory.WithClock(clock))

	_, err := s.Create(context.Background(), eventstore.NewRecord{ID: "evt-1", Channel: "orders", Header: `{}`, Payload: `1`, PayloadType: "int"})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := s.ScanAndClaimPending(ctx, "", time.Minute, func(context.Context, *eventstore.Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
