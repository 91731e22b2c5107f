package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
	"github.com/x-research-team/dtx-eventstore/eventstore/memory"
)

type published struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

// fakeChannel имитирует канал AMQP в режиме подтверждений.
type fakeChannel struct {
	mu         sync.Mutex
	confirmErr error
	publishErr error
	confirmed  bool
	closed     bool
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	published  []published
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
	return c.confirmErr
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) NotifyReturn(ret chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = ret
	return ret
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.confirms)
	close(c.returns)
	return nil
}

func (c *fakeChannel) setPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *fakeChannel) last(t *testing.T) published {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.published)
	return c.published[len(c.published)-1]
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeChannel) confirm(tag uint64, ack bool) {
	c.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

func (c *fakeChannel) returnMessage(p published) {
	c.returns <- amqp.Return{
		ReplyCode:  312,
		ReplyText:  "NO_ROUTE",
		Exchange:   p.exchange,
		RoutingKey: p.key,
		MessageId:  p.msg.MessageId,
		Headers:    p.msg.Headers,
		Body:       p.msg.Body,
	}
}

// fakeAcknowledger записывает подтверждения доставок.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type fixture struct {
	clock   *eventstore.ManualClock
	storage *memory.Storage
	service *eventstore.Service
}

func newFixture() *fixture {
	clock := eventstore.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	storage := memory.NewStorage(memory.WithClock(clock))
	return &fixture{
		clock:   clock,
		storage: storage,
		service: eventstore.NewService(storage, eventstore.NewRegistry()),
	}
}

func (f *fixture) record(t *testing.T, id string) *eventstore.Record {
	t.Helper()
	records, err := f.storage.FindAll(context.Background(), "")
	require.NoError(t, err)
	for _, r := range records {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("запись %s не найдена", id)
	return nil
}

var errBrokerDown = errors.New("broker down")
