package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	noop := eventstore.SenderFunc(func(context.Context, *eventstore.Message, string) error { return nil })

	t.Run("успешная регистрация", func(t *testing.T) {
		r := eventstore.NewRegistry()
		require.NoError(t, r.Register("orders", noop))

		sender, err := r.Sender("orders")
		require.NoError(t, err)
		assert.NotNil(t, sender)
	})

	t.Run("повторная регистрация канала", func(t *testing.T) {
		r := eventstore.NewRegistry()
		require.NoError(t, r.Register("orders", noop))
		assert.ErrorIs(t, r.Register("orders", noop), eventstore.ErrChannelRegistered)
	})

	t.Run("некорректные аргументы", func(t *testing.T) {
		r := eventstore.NewRegistry()
		assert.ErrorIs(t, r.Register("", noop), eventstore.ErrInvalidArgument)
		assert.ErrorIs(t, r.Register("orders", nil), eventstore.ErrInvalidArgument)
	})

	t.Run("неизвестный канал", func(t *testing.T) {
		r := eventstore.NewRegistry()
		_, err := r.Sender("orders")
		assert.ErrorIs(t, err, eventstore.ErrUnknownChannel)

		err = r.Send(context.Background(), eventstore.NewMessage("x"), "orders")
		assert.ErrorIs(t, err, eventstore.ErrUnknownChannel)
	})
}

func TestRegistry_Channels(t *testing.T) {
	t.Parallel()

	noop := eventstore.SenderFunc(func(context.Context, *eventstore.Message, string) error { return nil })
	r := eventstore.NewRegistry()
	for _, ch := range []string{"payments", "orders", "audit"} {
		require.NoError(t, r.Register(ch, noop))
	}
	assert.Equal(t, []string{"audit", "orders", "payments"}, r.Channels())
}

func TestRegistry_Send(t *testing.T) {
	t.Parallel()

	var gotChannel string
	var gotPayload any
	r := eventstore.NewRegistry()
	require.NoError(t, r.Register("orders", eventstore.SenderFunc(func(_ context.Context, msg *eventstore.Message, channel string) error {
		gotChannel = channel
		gotPayload = msg.Payload
		return nil
	})))

	require.NoError(t, r.Send(context.Background(), eventstore.NewMessage("hello"), "orders"))
	assert.Equal(t, "orders", gotChannel)
	assert.Equal(t, "hello", gotPayload)
}
