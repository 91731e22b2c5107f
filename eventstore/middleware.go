package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-eventstore/eventstore"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "eventstore."
)

// Имена операций хранилища, используемые в логах, метриках и спанах.
const (
	OpCreate       = "create"
	OpMarkReturned = "mark_returned"
	OpMarkProduced = "mark_produced"
	OpMarkConsumed = "mark_consumed"
	OpHasConsumed  = "has_consumed"
	OpScanAndClaim = "scan_and_claim"
	OpDeleteAll    = "delete_all"
	OpFindAll      = "find_all"
)

// StorageMiddleware определяет интерфейс для middleware хранилища.
// Middleware позволяет добавлять сквозную функциональность, такую как
// логирование, метрики или трассировка, вокруг операций хранилища.
type StorageMiddleware interface {
	// Wrap оборачивает следующее хранилище в цепочке, добавляя свою логику.
	Wrap(next Storage) Storage
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next Storage) Storage

// Wrap реализует интерфейс StorageMiddleware.
func (f MiddlewareFunc) Wrap(next Storage) Storage {
	return f(next)
}

// Chain применяет цепочку middleware к хранилищу. Первое middleware в списке
// оказывается внешним.
func Chain(storage Storage, middlewares ...StorageMiddleware) Storage {
	s := storage
	for i := len(middlewares) - 1; i >= 0; i-- {
		s = middlewares[i].Wrap(s)
	}
	return s
}

// observer — общая точка расширения для логирования, метрик и трассировки:
// она оборачивает вызов операции и получает ее результат.
type observer interface {
	observe(ctx context.Context, op string, attrs []attribute.KeyValue, call func(ctx context.Context) (int, error)) (int, error)
}

// observedStorage направляет каждую операцию хранилища через observer.
type observedStorage struct {
	next Storage
	obs  observer
}

func (s *observedStorage) Create(ctx context.Context, rec NewRecord) (out *Record, err error) {
	_, err = s.obs.observe(ctx, OpCreate, eventAttrs(rec.ID, rec.Channel), func(ctx context.Context) (int, error) {
		out, err = s.next.Create(ctx, rec)
		return 0, err
	})
	return out, err
}

func (s *observedStorage) MarkReturned(ctx context.Context, id string) (out *Record, err error) {
	_, err = s.obs.observe(ctx, OpMarkReturned, eventAttrs(id, ""), func(ctx context.Context) (int, error) {
		out, err = s.next.MarkReturned(ctx, id)
		return 0, err
	})
	return out, err
}

func (s *observedStorage) MarkProduced(ctx context.Context, id string) (out *Record, err error) {
	_, err = s.obs.observe(ctx, OpMarkProduced, eventAttrs(id, ""), func(ctx context.Context) (int, error) {
		out, err = s.next.MarkProduced(ctx, id)
		return 0, err
	})
	return out, err
}

func (s *observedStorage) MarkConsumed(ctx context.Context, id string) (out *Record, err error) {
	_, err = s.obs.observe(ctx, OpMarkConsumed, eventAttrs(id, ""), func(ctx context.Context) (int, error) {
		out, err = s.next.MarkConsumed(ctx, id)
		return 0, err
	})
	return out, err
}

func (s *observedStorage) HasConsumed(ctx context.Context, id string) (out bool, err error) {
	_, err = s.obs.observe(ctx, OpHasConsumed, eventAttrs(id, ""), func(ctx context.Context) (int, error) {
		out, err = s.next.HasConsumed(ctx, id)
		return 0, err
	})
	return out, err
}

func (s *observedStorage) ScanAndClaimPending(ctx context.Context, channel string, expiry time.Duration, onClaimed ClaimFunc) (int, error) {
	attrs := []attribute.KeyValue{
		attribute.String("eventstore.channel", channel),
		attribute.Int64("eventstore.expiry_ms", expiry.Milliseconds()),
	}
	return s.obs.observe(ctx, OpScanAndClaim, attrs, func(ctx context.Context) (int, error) {
		return s.next.ScanAndClaimPending(ctx, channel, expiry, onClaimed)
	})
}

func (s *observedStorage) DeleteAll(ctx context.Context, channel string) error {
	_, err := s.obs.observe(ctx, OpDeleteAll, eventAttrs("", channel), func(ctx context.Context) (int, error) {
		return 0, s.next.DeleteAll(ctx, channel)
	})
	return err
}

func (s *observedStorage) FindAll(ctx context.Context, channel string) (out []*Record, err error) {
	_, err = s.obs.observe(ctx, OpFindAll, eventAttrs("", channel), func(ctx context.Context) (int, error) {
		out, err = s.next.FindAll(ctx, channel)
		return len(out), err
	})
	return out, err
}

func eventAttrs(id, channel string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if id != "" {
		attrs = append(attrs, attribute.String("eventstore.event_id", id))
	}
	if channel != "" {
		attrs = append(attrs, attribute.String("eventstore.channel", channel))
	}
	return attrs
}

// noopMiddleware возвращает хранилище без изменений.
type noopMiddleware struct{}

// Wrap просто возвращает следующее хранилище без изменений.
func (noopMiddleware) Wrap(next Storage) Storage {
	return next
}

// loggingMiddleware реализует StorageMiddleware для логирования операций.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
// Если логгер не предоставлен (nil), возвращается no-op middleware.
func NewLoggingMiddleware(logger *slog.Logger) StorageMiddleware {
	if logger == nil {
		return noopMiddleware{}
	}
	return &loggingMiddleware{logger: logger}
}

// Wrap оборачивает хранилище для добавления логирования.
func (m *loggingMiddleware) Wrap(next Storage) Storage {
	return &observedStorage{next: next, obs: m}
}

func (m *loggingMiddleware) observe(ctx context.Context, op string, attrs []attribute.KeyValue, call func(ctx context.Context) (int, error)) (int, error) {
	startTime := time.Now()
	n, err := call(ctx)
	duration := time.Since(startTime)

	args := make([]any, 0, len(attrs)+3)
	args = append(args, slog.String("operation", op))
	for _, a := range attrs {
		args = append(args, slog.String(string(a.Key), a.Value.Emit()))
	}
	args = append(args, slog.Duration("duration", duration))

	if err != nil {
		m.logger.ErrorContext(ctx, "ошибка операции хранилища", append(args, slog.Any("error", err))...)
		return n, err
	}
	if op == OpScanAndClaim {
		m.logger.InfoContext(ctx, "сканирование ожидающих событий завершено", append(args, slog.Int("claimed", n))...)
	} else {
		m.logger.DebugContext(ctx, "операция хранилища выполнена", args...)
	}
	return n, nil
}

// metricsMiddleware реализует StorageMiddleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	opCounter    metric.Int64Counter
	opDuration   metric.Float64Histogram
	claimCounter metric.Int64Counter
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) StorageMiddleware {
	if provider == nil {
		return noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	opCounter, err := meter.Int64Counter(
		metricKeyPrefix+"operation.count",
		metric.WithDescription("Количество операций хранилища событий"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик operation.count: %v", err))
	}

	opDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"operation.duration",
		metric.WithDescription("Длительность операции хранилища событий"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму operation.duration: %v", err))
	}

	claimCounter, err := meter.Int64Counter(
		metricKeyPrefix+"claimed.count",
		metric.WithDescription("Количество захваченных и повторно отправленных событий"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик claimed.count: %v", err))
	}

	return &metricsMiddleware{
		opCounter:    opCounter,
		opDuration:   opDuration,
		claimCounter: claimCounter,
	}
}

// Wrap оборачивает хранилище для добавления сбора метрик.
func (m *metricsMiddleware) Wrap(next Storage) Storage {
	return &observedStorage{next: next, obs: m}
}

func (m *metricsMiddleware) observe(ctx context.Context, op string, _ []attribute.KeyValue, call func(ctx context.Context) (int, error)) (int, error) {
	startTime := time.Now()
	n, err := call(ctx)
	duration := float64(time.Since(startTime).Milliseconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	)

	m.opCounter.Add(ctx, 1, attrs)
	m.opDuration.Record(ctx, duration, attrs)
	if op == OpScanAndClaim && n > 0 {
		m.claimCounter.Add(ctx, int64(n))
	}
	return n, err
}

// tracingMiddleware реализует StorageMiddleware для трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider) StorageMiddleware {
	if tp == nil {
		return noopMiddleware{}
	}
	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
	}
}

// Wrap оборачивает хранилище для добавления трассировки.
func (m *tracingMiddleware) Wrap(next Storage) Storage {
	return &observedStorage{next: next, obs: m}
}

func (m *tracingMiddleware) observe(ctx context.Context, op string, attrs []attribute.KeyValue, call func(ctx context.Context) (int, error)) (int, error) {
	ctx, span := m.tracer.Start(ctx, "eventstore "+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	n, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if op == OpScanAndClaim {
		span.SetAttributes(attribute.Int("eventstore.claimed", n))
	}
	return n, err
}
