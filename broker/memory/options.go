package memory

import "log/slog"

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Option определяет функцию для конфигурации Broker.
type Option func(*Broker)

// WithWorkers устанавливает число воркеров, доставляющих сообщения.
func WithWorkers(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithQueueSize устанавливает размер очереди сообщений.
// Send блокируется, пока очередь заполнена.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.queueSize = n
		}
	}
}

// WithLogger устанавливает логгер брокера.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}
