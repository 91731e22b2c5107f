package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// MessageConsumer — граница дедупликации потребителя. Реализуется
// eventstore.Service.
type MessageConsumer interface {
	Consume(ctx context.Context, msg *eventstore.Message, handler eventstore.Handler) error
}

var _ MessageConsumer = (*eventstore.Service)(nil)

// Consumer обрабатывает доставки очереди через MessageConsumer и
// подтверждает их брокеру.
type Consumer struct {
	svc     MessageConsumer
	codec   *eventstore.Codec
	requeue bool
	logger  *slog.Logger
}

// NewConsumer создает новый экземпляр Consumer. По умолчанию сообщение,
// обработчик которого завершился ошибкой, возвращается в очередь.
func NewConsumer(svc MessageConsumer, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		svc:     svc,
		codec:   eventstore.NewCodec(),
		requeue: true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run обрабатывает доставки, пока не закроется канал или не будет отменен ctx.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery, handler eventstore.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, d, handler); err != nil {
				c.logger.Error("ошибка обработки доставки",
					slog.String("message_id", d.MessageId),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Handle обрабатывает одну доставку. Сообщение, которое не удалось
// восстановить, отклоняется без возврата в очередь.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery, handler eventstore.Handler) error {
	msg, err := MessageFromDelivery(c.codec, d)
	if err != nil {
		if nackErr := d.Nack(false, false); nackErr != nil {
			return fmt.Errorf("%w (nack: %w)", err, nackErr)
		}
		return err
	}

	if err := c.svc.Consume(ctx, msg, handler); err != nil {
		if nackErr := d.Nack(false, c.requeue); nackErr != nil {
			return fmt.Errorf("%w (nack: %w)", err, nackErr)
		}
		return err
	}
	return d.Ack(false)
}

// MessageFromDelivery восстанавливает сообщение из доставки. Тело без типа
// передается как json.RawMessage.
func MessageFromDelivery(codec *eventstore.Codec, d amqp.Delivery) (*eventstore.Message, error) {
	msg := &eventstore.Message{Header: fromTable(d.Headers)}

	if d.Type == "" {
		msg.Payload = rawJSON(d.Body)
		return msg, nil
	}

	payload, err := codec.DecodePayload(d.Body, d.Type)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}
