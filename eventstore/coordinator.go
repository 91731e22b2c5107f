package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetryInterval — пауза между циклами координатора по умолчанию.
	DefaultRetryInterval = 90 * time.Second
	// DefaultExpiryThreshold — возраст записи, после которого она подлежит повторной отправке.
	DefaultExpiryThreshold = 60 * time.Second
)

// Reclaimer выполняет один проход захвата и повторной отправки для канала.
// *Service реализует этот интерфейс.
type Reclaimer interface {
	ReclaimAndResend(ctx context.Context, channel string, expiry time.Duration) (int, error)
}

// CoordinatorOption определяет функцию для конфигурации Coordinator.
type CoordinatorOption func(*Coordinator)

// WithInterval устанавливает паузу между окончанием одного цикла и началом следующего.
func WithInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.interval = interval
	}
}

// WithExpiry устанавливает порог, после которого запись считается зависшей.
func WithExpiry(expiry time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.expiry = expiry
	}
}

// WithChannels устанавливает каналы, обрабатываемые в каждом цикле.
// Без этой опции используются каналы реестра, переданного через WithChannelRegistry,
// а при его отсутствии — один проход по всем каналам.
func WithChannels(channels ...string) CoordinatorOption {
	return func(c *Coordinator) {
		c.channels = append([]string(nil), channels...)
	}
}

// WithChannelRegistry берет список каналов из реестра в начале каждого цикла.
func WithChannelRegistry(r *Registry) CoordinatorOption {
	return func(c *Coordinator) {
		c.registry = r
	}
}

// WithCoordinatorLogger устанавливает логгер координатора.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// Coordinator - это фоновый процесс повторной доставки. С фиксированной паузой
// он вызывает ReclaimAndResend для каждого канала. Следующий цикл начинается
// только после полного завершения предыдущего; несколько координаторов в разных
// процессах могут работать одновременно, так как захват записей атомарен.
type Coordinator struct {
	reclaimer Reclaimer
	registry  *Registry
	channels  []string
	interval  time.Duration
	expiry    time.Duration
	logger    *slog.Logger

	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator создает новый экземпляр Coordinator.
func NewCoordinator(reclaimer Reclaimer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		reclaimer: reclaimer,
		interval:  DefaultRetryInterval,
		expiry:    DefaultExpiryThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOnce выполняет один цикл по всем каналам и возвращает суммарное число
// повторно отправленных записей. Ошибка одного канала не мешает обработке остальных.
func (c *Coordinator) RunOnce(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, channel := range c.cycleChannels() {
		n, err := c.reclaimer.ReclaimAndResend(ctx, channel, c.expiry)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("канал '%s': %w", channel, err))
		}
	}
	return total, errors.Join(errs...)
}

func (c *Coordinator) cycleChannels() []string {
	if len(c.channels) > 0 {
		return c.channels
	}
	if c.registry != nil {
		return c.registry.Channels()
	}
	return []string{""}
}

// Run блокирует вызывающую горутину и выполняет циклы до отмены ctx.
// Отмена не прерывает текущий цикл: он завершается полностью, после чего Run
// возвращает управление. Ошибки цикла логируются и не останавливают цикл.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("координатор повторной отправки запущен",
		slog.Duration("interval", c.interval),
		slog.Duration("expiry", c.expiry),
	)
	defer c.logger.Info("координатор повторной отправки остановлен")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		c.cycle(context.WithoutCancel(ctx))
		timer.Reset(c.interval)
	}
}

func (c *Coordinator) cycle(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("паника в цикле повторной отправки", slog.Any("panic", r))
		}
	}()

	n, err := c.RunOnce(ctx)
	if err != nil {
		c.logger.Error("ошибка цикла повторной отправки", slog.Any("error", err))
	}
	if n > 0 {
		c.logger.Info("повторно отправлено событий", slog.Int("count", n))
	}
}

// Start запускает Run в отдельной горутине. Пока предыдущий запуск не
// завершился полностью (в том числе после Stop с истекшим ctx), вызов ничего не делает.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		c.logger.Warn("координатор уже запущен или еще останавливается")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer func() {
			c.mu.Lock()
			if c.done == done {
				c.cancel, c.done = nil, nil
			}
			c.mu.Unlock()
			cancel()
			close(done)
		}()
		_ = c.Run(ctx)
	}()
}

// Stop останавливает фоновый процесс и ждет завершения текущего цикла
// либо отмены ctx. Состояние запуска сбрасывает сама горутина Run при выходе.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("координатор не остановился: %w", ctx.Err())
	}
}
