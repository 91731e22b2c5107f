package eventstore

import (
	"context"
	"time"
)

// ClaimFunc вызывается для каждой записи, успешно захваченной при сканировании.
// Запись содержит заголовки, тело и канал до захвата и AttemptCount после него.
// Ошибка ClaimFunc не прерывает сканирование остальных записей.
type ClaimFunc func(ctx context.Context, rec *Record) error

// Storage определяет контракт для персистентного хранения записей событий.
// Все операции должны быть потокобезопасными и корректными при конкурентной
// работе нескольких процессов поверх одного хранилища.
type Storage interface {
	// Create вставляет новую запись с AttemptCount=1 и WrittenOn=now.
	// Дубликат идентификатора возвращает ошибку, оборачивающую ErrStorage и ErrDuplicateID.
	Create(ctx context.Context, rec NewRecord) (*Record, error)

	// MarkReturned атомарно проставляет ReturnedOn=now и возвращает запись после обновления.
	MarkReturned(ctx context.Context, id string) (*Record, error)

	// MarkProduced атомарно проставляет ProducerAckOn=now и возвращает запись после обновления.
	MarkProduced(ctx context.Context, id string) (*Record, error)

	// MarkConsumed атомарно проставляет ConsumerAckOn=now, если оно еще не установлено.
	// Повторный вызов возвращает запись с исходной отметкой.
	MarkConsumed(ctx context.Context, id string) (*Record, error)

	// HasConsumed сообщает, установлена ли отметка ConsumerAckOn.
	HasConsumed(ctx context.Context, id string) (bool, error)

	// ScanAndClaimPending выбирает ожидающие записи канала (пустой канал — все
	// каналы), захватывает каждую условным атомарным обновлением и вызывает
	// onClaimed для каждой успешно захваченной записи. Возвращает число записей,
	// которые были захвачены и успешно переданы onClaimed.
	ScanAndClaimPending(ctx context.Context, channel string, expiry time.Duration, onClaimed ClaimFunc) (int, error)

	// DeleteAll удаляет все записи канала (пустой канал — все записи).
	DeleteAll(ctx context.Context, channel string) error

	// FindAll возвращает все записи канала (пустой канал — все записи).
	FindAll(ctx context.Context, channel string) ([]*Record, error)
}
