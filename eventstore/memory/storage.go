// Package memory предоставляет хранилище событий в памяти процесса.
// Захват записей выполняется сравнением-с-обменом под мьютексом, поэтому
// семантика совпадает с персистентными реализациями в пределах одного процесса.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// Option определяет функцию для конфигурации Storage.
type Option func(*Storage)

// WithClock устанавливает источник времени.
func WithClock(clock eventstore.Clock) Option {
	return func(s *Storage) {
		s.clock = clock
	}
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// Storage — реализация eventstore.Storage в памяти.
type Storage struct {
	mu      sync.Mutex
	records map[string]*eventstore.Record
	clock   eventstore.Clock
	logger  *slog.Logger
}

var _ eventstore.Storage = (*Storage)(nil)

// NewStorage создает новый экземпляр Storage.
func NewStorage(opts ...Option) *Storage {
	s := &Storage{
		records: make(map[string]*eventstore.Record),
		clock:   &eventstore.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create вставляет новую запись.
func (s *Storage) Create(_ context.Context, rec eventstore.NewRecord) (*eventstore.Record, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: идентификатор события не может быть пустым", eventstore.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return nil, fmt.Errorf("%w: %w: %s", eventstore.ErrStorage, eventstore.ErrDuplicateID, rec.ID)
	}

	r := &eventstore.Record{
		ID:           rec.ID,
		Channel:      rec.Channel,
		Header:       rec.Header,
		Payload:      rec.Payload,
		PayloadType:  rec.PayloadType,
		WrittenOn:    eventstore.NowUTC(s.clock),
		AttemptCount: 1,
	}
	s.records[r.ID] = r
	return r.Clone(), nil
}

// MarkReturned проставляет ReturnedOn.
func (s *Storage) MarkReturned(_ context.Context, id string) (*eventstore.Record, error) {
	return s.update(id, func(r *eventstore.Record) {
		now := eventstore.NowUTC(s.clock)
		r.ReturnedOn = &now
	})
}

// MarkProduced проставляет ProducerAckOn.
func (s *Storage) MarkProduced(_ context.Context, id string) (*eventstore.Record, error) {
	return s.update(id, func(r *eventstore.Record) {
		now := eventstore.NowUTC(s.clock)
		r.ProducerAckOn = &now
	})
}

// MarkConsumed проставляет ConsumerAckOn, если оно еще не установлено.
func (s *Storage) MarkConsumed(_ context.Context, id string) (*eventstore.Record, error) {
	return s.update(id, func(r *eventstore.Record) {
		if r.ConsumerAckOn != nil {
			return
		}
		now := eventstore.NowUTC(s.clock)
		r.ConsumerAckOn = &now
	})
}

func (s *Storage) update(id string, mutate func(r *eventstore.Record)) (*eventstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrNotFound, id)
	}
	mutate(r)
	return r.Clone(), nil
}

// HasConsumed сообщает, установлена ли отметка ConsumerAckOn.
func (s *Storage) HasConsumed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", eventstore.ErrNotFound, id)
	}
	return r.IsConsumed(), nil
}

// ScanAndClaimPending выбирает ожидающие записи и захватывает их по одной.
// onClaimed вызывается вне блокировки, поэтому может обращаться к хранилищу.
func (s *Storage) ScanAndClaimPending(ctx context.Context, channel string, expiry time.Duration, onClaimed eventstore.ClaimFunc) (int, error) {
	cutoff := eventstore.PendingCutoff(s.clock.Now(), expiry)

	s.mu.Lock()
	candidates := make([]string, 0)
	for id, r := range s.records {
		if matchesChannel(r, channel) && eventstore.IsPendingAt(r, cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(candidates)

	claimed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}

		rec, ok := s.claim(id, cutoff)
		if !ok {
			continue
		}

		if err := onClaimed(ctx, rec); err != nil {
			s.logger.Warn("ошибка повторной отправки события",
				slog.String("event_id", rec.ID),
				slog.String("channel", rec.Channel),
				slog.Any("error", err),
			)
			continue
		}
		claimed++
	}
	return claimed, nil
}

// claim атомарно проверяет предикат ожидания и обновляет запись.
func (s *Storage) claim(id string, cutoff time.Time) (*eventstore.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || !eventstore.IsPendingAt(r, cutoff) {
		return nil, false
	}

	r.AttemptCount++
	r.WrittenOn = eventstore.NowUTC(s.clock)
	r.ProducerAckOn = nil
	r.ReturnedOn = nil
	return r.Clone(), true
}

// DeleteAll удаляет записи канала.
func (s *Storage) DeleteAll(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.records {
		if matchesChannel(r, channel) {
			delete(s.records, id)
		}
	}
	return nil
}

// FindAll возвращает копии записей канала, упорядоченные по времени записи.
func (s *Storage) FindAll(_ context.Context, channel string) ([]*eventstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*eventstore.Record, 0, len(s.records))
	for _, r := range s.records {
		if matchesChannel(r, channel) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WrittenOn.Equal(out[j].WrittenOn) {
			return out[i].ID < out[j].ID
		}
		return out[i].WrittenOn.Before(out[j].WrittenOn)
	})
	return out, nil
}

func matchesChannel(r *eventstore.Record, channel string) bool {
	return channel == "" || r.Channel == channel
}
