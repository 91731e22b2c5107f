//go:build integration

package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/x-research-team/dtx-eventstore/broker/rabbitmq"
	"github.com/x-research-team/dtx-eventstore/eventstore"
)

const (
	testRabbitMQImage  = "rabbitmq:3-management-alpine"
	testStartupTimeout = 60 * time.Second
	testDeadline       = 10 * time.Second
)

func connectRabbitMQ(t *testing.T) *amqp.Connection {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcrabbit.Run(ctx, testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(testStartupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestIntegration_PublishConsume(t *testing.T) {
	conn := connectRabbitMQ(t)
	f := newFixture()
	ctx := context.Background()

	pubCh, err := conn.Channel()
	require.NoError(t, err)
	_, err = pubCh.QueueDeclare("orders", true, false, false, false, nil)
	require.NoError(t, err)

	publisher, err := rabbitmq.NewPublisher(pubCh, f.service, rabbitmq.WithPublisherCodec(f.service.Codec()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = publisher.Close()
	})
	require.NoError(t, f.service.Registry().Register("orders", publisher))
	require.NoError(t, f.service.Registry().Register("nowhere", publisher))

	subCh, err := conn.Channel()
	require.NoError(t, err)
	deliveries, err := subCh.Consume("orders", "", false, false, false, false, nil)
	require.NoError(t, err)

	received := make(chan orderCreated, 1)
	consumer := rabbitmq.NewConsumer(f.service, rabbitmq.WithConsumerCodec(f.service.Codec()))
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() {
		_ = consumer.Run(runCtx, deliveries, func(_ context.Context, msg *eventstore.Message) error {
			received <- msg.Payload.(orderCreated)
			return nil
		})
	}()

	id, err := f.service.Publish(ctx, eventstore.NewMessage(orderCreated{OrderID: "42"}), "orders")
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "42", got.OrderID)
	case <-time.After(testDeadline):
		t.Fatal("сообщение не доставлено")
	}

	require.Eventually(t, func() bool {
		rec := f.record(t, id)
		return rec.ProducerAckOn != nil && rec.ConsumerAckOn != nil
	}, testDeadline, 20*time.Millisecond)

	// Для канала без очереди брокер возвращает сообщение и затем подтверждает его.
	lost, err := f.service.Publish(ctx, eventstore.NewMessage("lost"), "nowhere")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := f.record(t, lost)
		return rec.ReturnedOn != nil && rec.ProducerAckOn != nil
	}, testDeadline, 20*time.Millisecond)

	f.clock.Advance(2 * time.Minute)
	claimed := 0
	_, err = f.storage.ScanAndClaimPending(ctx, "nowhere", time.Minute, func(context.Context, *eventstore.Record) error {
		claimed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
}
