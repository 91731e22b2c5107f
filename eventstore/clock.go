package eventstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock — источник текущего времени. Реализация может возвращать время в любой
// зоне: хранилища всегда приводят его к UTC перед записью и сравнением.
type Clock interface {
	Now() time.Time
}

// ClockFunc позволяет использовать обычную функцию как Clock.
type ClockFunc func() time.Time

// Now реализует интерфейс Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock возвращает системное время в заданной зоне.
type SystemClock struct {
	Location *time.Location
}

// NewSystemClock создает SystemClock для зоны tz (например, "Asia/Tokyo").
// Пустая строка означает локальную зону процесса.
func NewSystemClock(tz string) (*SystemClock, error) {
	if tz == "" {
		return &SystemClock{Location: time.Local}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("неизвестная временная зона %q: %w", tz, err)
	}
	return &SystemClock{Location: loc}, nil
}

// Now реализует интерфейс Clock.
func (c *SystemClock) Now() time.Time {
	if c == nil || c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// ManualClock — управляемые часы для детерминированных тестов.
// Потокобезопасны.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
	loc *time.Location
}

// NewManualClock создает часы, остановленные на моменте now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now, loc: now.Location()}
}

// Now реализует интерфейс Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now.In(c.loc)
}

// Advance сдвигает часы вперед на d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set устанавливает текущий момент.
func (c *ManualClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetLocation меняет зону, в которой часы отдают время. Сам момент не меняется.
func (c *ManualClock) SetLocation(loc *time.Location) {
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

// IDGenerator — источник уникальных идентификаторов событий.
type IDGenerator interface {
	Next() string
}

// IDGeneratorFunc позволяет использовать обычную функцию как IDGenerator.
type IDGeneratorFunc func() string

// Next реализует интерфейс IDGenerator.
func (f IDGeneratorFunc) Next() string {
	return f()
}

// UUIDGenerator генерирует случайные UUID v4.
type UUIDGenerator struct{}

// Next реализует интерфейс IDGenerator.
func (UUIDGenerator) Next() string {
	return uuid.NewString()
}

// NowUTC возвращает текущее время часов в UTC с точностью до миллисекунд,
// которую сохраняют все поддерживаемые хранилища.
func NowUTC(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Millisecond)
}
