package rabbitmq

import (
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// Route определяет, куда публикуются сообщения канала.
type Route struct {
	Exchange   string
	RoutingKey string
}

// PublisherOption определяет функцию для конфигурации Publisher.
type PublisherOption func(*Publisher)

// WithRoute задает точку обмена и ключ маршрутизации канала. Без явного
// маршрута канал публикуется в точку обмена по умолчанию с ключом, равным
// имени канала, то есть напрямую в одноименную очередь.
func WithRoute(channel, exchange, routingKey string) PublisherOption {
	return func(p *Publisher) {
		p.routes[channel] = Route{Exchange: exchange, RoutingKey: routingKey}
	}
}

// WithPublisherCodec устанавливает кодек тела сообщения. Обычно это кодек
// сервиса, чтобы типы, зарегистрированные при публикации, были известны
// потребителю того же процесса.
func WithPublisherCodec(codec *eventstore.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithCircuitBreaker оборачивает публикацию в автоматический выключатель.
// Пока выключатель разомкнут, Send сразу возвращает ошибку, а записи ждут
// повторной отправки координатором.
func WithCircuitBreaker(settings gobreaker.Settings) PublisherOption {
	return func(p *Publisher) {
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithPublisherLogger устанавливает логгер публикатора.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// ConsumerOption определяет функцию для конфигурации Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerCodec устанавливает кодек для восстановления тела сообщения.
func WithConsumerCodec(codec *eventstore.Codec) ConsumerOption {
	return func(c *Consumer) {
		c.codec = codec
	}
}

// WithRequeue определяет, возвращается ли в очередь сообщение, обработчик
// которого завершился ошибкой.
func WithRequeue(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = requeue
	}
}

// WithConsumerLogger устанавливает логгер потребителя.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}
