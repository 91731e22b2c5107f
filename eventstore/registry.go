package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Sender — граница отправки брокеру. Подтверждение доставки приходит позже,
// асинхронно, через Service.OnProduced/OnReturned.
type Sender interface {
	Send(ctx context.Context, msg *Message, channel string) error
}

// SenderFunc позволяет использовать обычную функцию как Sender.
type SenderFunc func(ctx context.Context, msg *Message, channel string) error

// Send реализует интерфейс Sender.
func (f SenderFunc) Send(ctx context.Context, msg *Message, channel string) error {
	return f(ctx, msg, channel)
}

// Acknowledger принимает асинхронные подтверждения брокера по идентификатору
// записи. Реализуется Service.
type Acknowledger interface {
	OnProduced(ctx context.Context, id string) (*Record, error)
	OnReturned(ctx context.Context, id string) (*Record, error)
}

// Registry - это потокобезопасный реестр каналов: каждому имени канала
// соответствует ровно один отправитель, используемый при повторной отправке.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry создает новый экземпляр реестра каналов.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]Sender),
	}
}

// Register связывает канал с отправителем.
func (r *Registry) Register(channel string, sender Sender) error {
	if channel == "" {
		return fmt.Errorf("%w: имя канала не может быть пустым", ErrInvalidArgument)
	}
	if sender == nil {
		return fmt.Errorf("%w: отправитель для канала '%s' не задан", ErrInvalidArgument, channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.senders[channel]; exists {
		return fmt.Errorf("%w: '%s'", ErrChannelRegistered, channel)
	}
	r.senders[channel] = sender
	return nil
}

// Sender возвращает отправителя, зарегистрированного для канала.
func (r *Registry) Sender(channel string) (Sender, error) {
	r.mu.RLock()
	sender, ok := r.senders[channel]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownChannel, channel)
	}
	return sender, nil
}

// Channels возвращает отсортированный список зарегистрированных каналов.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.senders))
	for name := range r.senders {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return channels
}

// Send отправляет сообщение через отправителя канала.
func (r *Registry) Send(ctx context.Context, msg *Message, channel string) error {
	sender, err := r.Sender(channel)
	if err != nil {
		return err
	}
	return sender.Send(ctx, msg, channel)
}
