package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// ServiceOption определяет функцию для конфигурации Service.
type ServiceOption func(*Service)

// WithIDGenerator устанавливает генератор идентификаторов записей.
func WithIDGenerator(ids IDGenerator) ServiceOption {
	return func(s *Service) {
		s.ids = ids
	}
}

// WithCodec устанавливает кодек заголовков и тела сообщений.
// Это позволяет заранее зарегистрировать типы, которые процесс будет
// восстанавливать при повторной отправке, не отправляя их сам.
func WithCodec(codec *Codec) ServiceOption {
	return func(s *Service) {
		s.codec = codec
	}
}

// WithPropagator устанавливает механизм распространения контекста трассировки
// через заголовки сообщения.
func WithPropagator(p propagation.TextMapPropagator) ServiceOption {
	return func(s *Service) {
		s.propagator = p
	}
}

// WithLogger устанавливает логгер сервиса.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// Handler — пользовательская логика обработки входящего сообщения.
type Handler func(ctx context.Context, msg *Message) error

// Service связывает границу обмена сообщениями с хранилищем: гарантирует
// запись до отправки и проверку дубликатов до обработки.
type Service struct {
	storage    Storage
	registry   *Registry
	codec      *Codec
	ids        IDGenerator
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

var _ Acknowledger = (*Service)(nil)

// NewService создает новый экземпляр Service. Реестр каналов определяет,
// через какого отправителя уходит повторная отправка каждой записи.
func NewService(storage Storage, registry *Registry, opts ...ServiceOption) *Service {
	s := &Service{
		storage:  storage,
		registry: registry,
		codec:    NewCodec(),
		ids:      UUIDGenerator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s
}

// Codec возвращает кодек сервиса.
func (s *Service) Codec() *Codec {
	return s.codec
}

// Registry возвращает реестр каналов сервиса.
func (s *Service) Registry() *Registry {
	return s.registry
}

// RecordOutgoing генерирует идентификатор, сохраняет запись и возвращает копию
// сообщения с идентификатором в заголовке HeaderEventID. Вызывающая сторона
// передает брокеру именно возвращенное сообщение и только после успешного
// возврата из этого метода.
func (s *Service) RecordOutgoing(ctx context.Context, msg *Message, channel string) (string, *Message, error) {
	if msg == nil {
		return "", nil, fmt.Errorf("%w: сообщение не задано", ErrInvalidArgument)
	}
	if strings.TrimSpace(channel) == "" {
		return "", nil, fmt.Errorf("%w: имя канала не может быть пустым", ErrInvalidArgument)
	}

	id := s.ids.Next()
	stamped := msg.withEventID(id)
	if s.propagator != nil {
		s.propagator.Inject(ctx, headerCarrier(stamped.Header))
	}

	header, payload, payloadType, err := s.codec.Encode(stamped)
	if err != nil {
		return "", nil, err
	}

	if _, err := s.storage.Create(ctx, NewRecord{
		ID:          id,
		Channel:     channel,
		Header:      header,
		Payload:     payload,
		PayloadType: payloadType,
	}); err != nil {
		return "", nil, err
	}

	return id, stamped, nil
}

// Publish записывает сообщение и затем отправляет его через отправителя канала.
// Если отправка не удалась, запись остается в хранилище и будет отправлена
// повторно координатором после истечения порога.
func (s *Service) Publish(ctx context.Context, msg *Message, channel string) (string, error) {
	sender, err := s.registry.Sender(channel)
	if err != nil {
		return "", err
	}

	id, stamped, err := s.RecordOutgoing(ctx, msg, channel)
	if err != nil {
		return "", err
	}

	if err := sender.Send(ctx, stamped, channel); err != nil {
		s.logger.Warn("ошибка отправки, сообщение будет отправлено повторно",
			slog.String("event_id", id),
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return id, err
	}
	return id, nil
}

// OnReturned отмечает, что брокер вернул сообщение.
func (s *Service) OnReturned(ctx context.Context, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.storage.MarkReturned(ctx, id)
}

// OnProduced отмечает, что брокер подтвердил прием сообщения.
func (s *Service) OnProduced(ctx context.Context, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.storage.MarkProduced(ctx, id)
}

// OnConsumed отмечает, что потребитель завершил обработку сообщения.
func (s *Service) OnConsumed(ctx context.Context, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.storage.MarkConsumed(ctx, id)
}

// ShouldSkipConsumption сообщает, было ли сообщение уже обработано, и его
// повторную доставку следует пропустить.
func (s *Service) ShouldSkipConsumption(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	return s.storage.HasConsumed(ctx, id)
}

// Consume оборачивает обработчик потребителя: пропускает уже обработанные
// сообщения, вызывает handler и только после его успеха отмечает сообщение
// обработанным. Сообщения без HeaderEventID не проходили через хранилище и
// передаются обработчику без проверки.
func (s *Service) Consume(ctx context.Context, msg *Message, handler Handler) error {
	if s.propagator != nil && msg != nil && msg.Header != nil {
		ctx = s.propagator.Extract(ctx, headerCarrier(msg.Header))
	}

	id := msg.EventID()
	if id == "" {
		return handler(ctx, msg)
	}

	skip, err := s.ShouldSkipConsumption(ctx, id)
	if err != nil {
		return err
	}
	if skip {
		s.logger.Warn("событие уже обработано, пропускаем", slog.String("event_id", id))
		return nil
	}

	if err := handler(ctx, msg); err != nil {
		return err
	}

	_, err = s.OnConsumed(ctx, id)
	return err
}

// ReclaimAndResend захватывает ожидающие записи канала и повторно отправляет
// их через отправителя, зарегистрированного для канала записи. Пустой канал
// означает все каналы. Возвращает число повторно отправленных записей.
func (s *Service) ReclaimAndResend(ctx context.Context, channel string, expiry time.Duration) (int, error) {
	if channel != "" {
		if _, err := s.registry.Sender(channel); err != nil {
			return 0, err
		}
	}
	return s.storage.ScanAndClaimPending(ctx, channel, expiry, s.resend)
}

// resend восстанавливает сообщение из записи и отправляет его повторно.
func (s *Service) resend(ctx context.Context, rec *Record) error {
	msg, err := s.codec.Decode(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResendDispatch, err)
	}

	if err := s.registry.Send(ctx, msg, rec.Channel); err != nil {
		return fmt.Errorf("%w: %w", ErrResendDispatch, err)
	}

	s.logger.Debug("событие отправлено повторно",
		slog.String("event_id", rec.ID),
		slog.String("channel", rec.Channel),
		slog.Int64("attempt", rec.AttemptCount),
	)
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: идентификатор события не может быть пустым", ErrInvalidArgument)
	}
	return nil
}
