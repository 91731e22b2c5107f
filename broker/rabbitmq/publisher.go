// Package rabbitmq связывает хранилище событий с RabbitMQ.
//
// Publisher публикует сообщения с флагом mandatory в режиме подтверждений
// издателя и переводит basic.ack, basic.nack и basic.return в вызовы
// OnProduced и OnReturned сервиса. Consumer оборачивает обработчик очереди
// в Service.Consume, чтобы повторные доставки не обрабатывались дважды.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

const confirmChannelBuffer = 256

var (
	// ErrChannelRequired возвращается, если канал AMQP не задан.
	ErrChannelRequired = errors.New("канал rabbitmq не задан")
	// ErrPublisherClosed возвращается Send после закрытия публикатора.
	ErrPublisherClosed = errors.New("публикатор закрыт")
)

// Channel — подмножество методов *amqp.Channel, используемых публикатором.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher — отправитель сообщений в RabbitMQ. Реализует eventstore.Sender.
type Publisher struct {
	ch      Channel
	ack     eventstore.Acknowledger
	codec   *eventstore.Codec
	routes  map[string]Route
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	nextTag uint64
	pending map[uint64]string

	wg sync.WaitGroup
}

var _ eventstore.Sender = (*Publisher)(nil)

// NewPublisher переводит канал в режим подтверждений и запускает обработку
// подтверждений и возвратов. Подтверждения передаются в ack.
func NewPublisher(ch Channel, ack eventstore.Acknowledger, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	p := &Publisher{
		ch:      ch,
		ack:     ack,
		codec:   eventstore.NewCodec(),
		routes:  make(map[string]Route),
		logger:  slog.Default(),
		pending: make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("не удалось включить режим подтверждений: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	returns := ch.NotifyReturn(make(chan amqp.Return, confirmChannelBuffer))

	p.wg.Add(2)
	go p.handleConfirms(confirms)
	go p.handleReturns(returns)

	return p, nil
}

// Send публикует сообщение в маршрут канала. Возврат без ошибки означает лишь,
// что сообщение передано брокеру; подтверждение придет асинхронно.
func (p *Publisher) Send(ctx context.Context, msg *eventstore.Message, channel string) error {
	if msg == nil {
		return fmt.Errorf("%w: сообщение не задано", eventstore.ErrInvalidArgument)
	}

	body, payloadType, err := p.codec.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}

	id := msg.EventID()
	publishing := amqp.Publishing{
		Headers:      toTable(msg.Header),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Type:         payloadType,
		Body:         body,
	}
	route := p.route(channel)

	publish := func() (any, error) {
		return nil, p.publish(ctx, route, id, publishing)
	}
	if p.breaker != nil {
		_, err = p.breaker.Execute(publish)
	} else {
		_, err = publish()
	}
	if err != nil {
		return fmt.Errorf("не удалось опубликовать сообщение в канал '%s': %w", channel, err)
	}
	return nil
}

// Close закрывает канал и дожидается обработки оставшихся подтверждений.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.ch.Close()
	p.wg.Wait()
	return err
}

func (p *Publisher) route(channel string) Route {
	if r, ok := p.routes[channel]; ok {
		return r
	}
	return Route{RoutingKey: channel}
}

// publish назначает сообщению номер доставки под блокировкой, чтобы номера
// совпадали с порядком публикации в канале.
func (p *Publisher) publish(ctx context.Context, route Route, id string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if err := p.ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, true, false, msg); err != nil {
		return err
	}
	p.nextTag++
	if id != "" {
		p.pending[p.nextTag] = id
	}
	return nil
}

func (p *Publisher) take(tag uint64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.pending[tag]
	delete(p.pending, tag)
	return id, ok
}

func (p *Publisher) handleConfirms(confirms <-chan amqp.Confirmation) {
	defer p.wg.Done()

	for c := range confirms {
		id, ok := p.take(c.DeliveryTag)
		if !ok {
			continue
		}
		if c.Ack {
			p.acknowledge(id, false)
			continue
		}
		p.logger.Warn("брокер отклонил сообщение", slog.String("event_id", id))
		p.acknowledge(id, true)
	}
}

// handleReturns обрабатывает сообщения, которые брокер не смог
// маршрутизировать. RabbitMQ присылает basic.return раньше basic.ack того же
// сообщения, поэтому запись остается ожидающей.
func (p *Publisher) handleReturns(returns <-chan amqp.Return) {
	defer p.wg.Done()

	for r := range returns {
		id := eventIDOf(r.MessageId, r.Headers)
		p.logger.Warn("сообщение возвращено брокером",
			slog.String("event_id", id),
			slog.String("exchange", r.Exchange),
			slog.String("routing_key", r.RoutingKey),
			slog.Int("reply_code", int(r.ReplyCode)),
			slog.String("reply_text", r.ReplyText),
		)
		if id != "" {
			p.acknowledge(id, true)
		}
	}
}

func (p *Publisher) acknowledge(id string, returned bool) {
	if p.ack == nil {
		return
	}

	ctx := context.Background()
	var err error
	if returned {
		_, err = p.ack.OnReturned(ctx, id)
	} else {
		_, err = p.ack.OnProduced(ctx, id)
	}
	if err != nil {
		p.logger.Error("не удалось сохранить подтверждение брокера",
			slog.String("event_id", id),
			slog.Bool("returned", returned),
			slog.Any("error", err),
		)
	}
}
