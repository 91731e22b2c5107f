// Package memory реализует брокер сообщений внутри процесса.
//
// Брокер повторяет семантику подтверждений RabbitMQ с флагом mandatory:
// сообщение без подписчиков сначала возвращается (OnReturned), затем
// подтверждается (OnProduced), и запись остается ожидающей повторной отправки.
// Сообщение, доставленное хотя бы одному подписчику, только подтверждается.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// ErrClosed возвращается Send после остановки брокера.
var ErrClosed = errors.New("брокер остановлен")

// Subscriber получает сообщения канала.
type Subscriber func(ctx context.Context, msg *eventstore.Message) error

type subscription struct {
	id      string
	handler Subscriber
}

type task struct {
	ctx     context.Context
	channel string
	msg     *eventstore.Message
}

// Broker — брокер сообщений внутри процесса. Реализует eventstore.Sender.
type Broker struct {
	ack       eventstore.Acknowledger
	workers   int
	queueSize int
	logger    *slog.Logger

	subMu       sync.RWMutex
	subscribers map[string][]*subscription

	mu     sync.RWMutex
	closed bool
	pool   *workerPool
}

var _ eventstore.Sender = (*Broker)(nil)

// NewBroker создает и запускает брокер. Подтверждения отправляются в ack;
// nil отключает подтверждения.
func NewBroker(ack eventstore.Acknowledger, opts ...Option) *Broker {
	b := &Broker{
		ack:         ack,
		workers:     defaultWorkers,
		queueSize:   defaultQueueSize,
		logger:      slog.Default(),
		subscribers: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pool = newWorkerPool(b.workers, b.queueSize, b.deliver)
	b.pool.run()
	return b
}

// Send ставит сообщение в очередь доставки канала.
func (b *Broker) Send(ctx context.Context, msg *eventstore.Message, channel string) error {
	if msg == nil {
		return fmt.Errorf("%w: сообщение не задано", eventstore.ErrInvalidArgument)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	return b.pool.enqueue(ctx, &task{
		ctx:     context.WithoutCancel(ctx),
		channel: channel,
		msg:     msg.Clone(),
	})
}

// Subscribe подписывает обработчик на сообщения канала.
func (b *Broker) Subscribe(channel string, handler Subscriber) (unsubscribe func()) {
	sub := &subscription{id: uuid.NewString(), handler: handler}

	b.subMu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()

		subs := b.subscribers[channel]
		for i, s := range subs {
			if s.id == sub.id {
				b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Shutdown прекращает прием сообщений и дожидается доставки уже принятых.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.pool.stop(ctx)
}

func (b *Broker) subscribersOf(channel string) []*subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return append([]*subscription(nil), b.subscribers[channel]...)
}

// deliver выполняется воркером пула для каждого сообщения.
func (b *Broker) deliver(t *task) {
	subs := b.subscribersOf(t.channel)
	id := t.msg.EventID()

	if len(subs) == 0 {
		b.logger.Warn("нет подписчиков, сообщение возвращено",
			slog.String("event_id", id),
			slog.String("channel", t.channel),
		)
		b.confirm(t.ctx, id, true)
	}
	b.confirm(t.ctx, id, false)

	for _, sub := range subs {
		if err := sub.handler(t.ctx, t.msg.Clone()); err != nil {
			b.logger.Error("ошибка обработки сообщения подписчиком",
				slog.String("event_id", id),
				slog.String("channel", t.channel),
				slog.Any("error", err),
			)
		}
	}
}

func (b *Broker) confirm(ctx context.Context, id string, returned bool) {
	if b.ack == nil || id == "" {
		return
	}

	var err error
	if returned {
		_, err = b.ack.OnReturned(ctx, id)
	} else {
		_, err = b.ack.OnProduced(ctx, id)
	}
	if err != nil {
		b.logger.Error("не удалось сохранить подтверждение брокера",
			slog.String("event_id", id),
			slog.Bool("returned", returned),
			slog.Any("error", err),
		)
	}
}
