// Package postgres реализует хранилище событий поверх PostgreSQL (pgx).
//
// Захват ожидающей записи — один оператор UPDATE ... WHERE <предикат ожидания>
// RETURNING. При READ COMMITTED конкурентный UPDATE той же строки ждет
// блокировку, затем заново вычисляет WHERE по новой версии строки и не
// обновляет ее, поэтому запись захватывается ровно одним проходом.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// uniqueViolation — код ошибки PostgreSQL при нарушении уникальности.
const uniqueViolation = "23505"

const (
	// SQL-запрос для создания таблицы событий.
	// Частичный индекс покрывает предикат ожидания: потребленные записи в него не попадают.
	createTableQuery = `
CREATE TABLE IF NOT EXISTS event_store (
    id TEXT PRIMARY KEY,
    channel VARCHAR(255) NOT NULL,
    header JSONB NOT NULL,
    payload JSONB NOT NULL,
    payload_type VARCHAR(512) NOT NULL,
    written_on TIMESTAMPTZ NOT NULL,
    attempt_count BIGINT NOT NULL DEFAULT 1,
    returned_on TIMESTAMPTZ,
    producer_ack_on TIMESTAMPTZ,
    consumer_ack_on TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_event_store_pending
    ON event_store (channel, written_on, producer_ack_on, returned_on)
    WHERE consumer_ack_on IS NULL;
`

	selectColumns = `id, channel, header::text, payload::text, payload_type, written_on, attempt_count, returned_on, producer_ack_on, consumer_ack_on`

	// SQL-запрос для вставки новой записи.
	insertQuery = `
INSERT INTO event_store (id, channel, header, payload, payload_type, written_on, attempt_count)
VALUES ($1, $2, $3, $4, $5, $6, 1)
RETURNING ` + selectColumns + `;
`

	markReturnedQuery = `
UPDATE event_store SET returned_on = $2 WHERE id = $1
RETURNING ` + selectColumns + `;
`

	markProducedQuery = `
UPDATE event_store SET producer_ack_on = $2 WHERE id = $1
RETURNING ` + selectColumns + `;
`

	// consumer_ack_on проставляется один раз: COALESCE сохраняет первую отметку.
	markConsumedQuery = `
UPDATE event_store SET consumer_ack_on = COALESCE(consumer_ack_on, $2) WHERE id = $1
RETURNING ` + selectColumns + `;
`

	hasConsumedQuery = `SELECT consumer_ack_on IS NOT NULL FROM event_store WHERE id = $1;`

	pendingPredicate = `
written_on < $1
AND consumer_ack_on IS NULL
AND (producer_ack_on IS NULL OR returned_on IS NOT NULL)
AND ($2::text = '' OR channel = $2::text)`

	// SQL-запрос для выборки ожидающих записей.
	selectPendingQuery = `
SELECT id FROM event_store
WHERE ` + pendingPredicate + `
ORDER BY written_on;
`

	// SQL-запрос для захвата записи. Предикат проверяется повторно в момент обновления.
	claimQuery = `
UPDATE event_store
SET attempt_count = attempt_count + 1,
    written_on = $4,
    producer_ack_on = NULL,
    returned_on = NULL
WHERE id = $3 AND ` + pendingPredicate + `
RETURNING ` + selectColumns + `;
`

	selectAllQuery = `
SELECT ` + selectColumns + ` FROM event_store
WHERE ($1::text = '' OR channel = $1::text)
ORDER BY written_on, id;
`

	deleteAllQuery = `DELETE FROM event_store WHERE ($1::text = '' OR channel = $1::text);`
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

// Storage представляет собой реализацию хранилища событий для PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	clock  eventstore.Clock
	logger *slog.Logger
}

var _ eventstore.Storage = (*Storage)(nil)

// NewStorage создает новый экземпляр Storage.
// Он также выполняет миграцию, создавая необходимую таблицу, если она не существует.
func NewStorage(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Storage, error) {
	if _, err := pool.Exec(ctx, createTableQuery); err != nil {
		return nil, fmt.Errorf("%w: не удалось создать таблицу event_store: %w", eventstore.ErrStorage, err)
	}

	s := &Storage{
		pool:   pool,
		clock:  &eventstore.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create сохраняет запись, используя Querier из контекста (транзакцию) или пул.
func (s *Storage) Create(ctx context.Context, rec eventstore.NewRecord) (*eventstore.Record, error) {
	q := querierFrom(ctx, s.pool)

	out, err := scanRecord(q.QueryRow(ctx, insertQuery,
		rec.ID,
		rec.Channel,
		jsonOrNull(rec.Header),
		jsonOrNull(rec.Payload),
		rec.PayloadType,
		eventstore.NowUTC(s.clock),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %w: %s", eventstore.ErrStorage, eventstore.ErrDuplicateID, rec.ID)
		}
		return nil, fmt.Errorf("%w: не удалось сохранить событие: %w", eventstore.ErrStorage, err)
	}
	return out, nil
}

// MarkReturned проставляет returned_on.
func (s *Storage) MarkReturned(ctx context.Context, id string) (*eventstore.Record, error) {
	return s.updateOne(ctx, markReturnedQuery, id)
}

// MarkProduced проставляет producer_ack_on.
func (s *Storage) MarkProduced(ctx context.Context, id string) (*eventstore.Record, error) {
	return s.updateOne(ctx, markProducedQuery, id)
}

// MarkConsumed проставляет consumer_ack_on, если оно еще не установлено.
func (s *Storage) MarkConsumed(ctx context.Context, id string) (*eventstore.Record, error) {
	return s.updateOne(ctx, markConsumedQuery, id)
}

func (s *Storage) updateOne(ctx context.Context, query, id string) (*eventstore.Record, error) {
	q := querierFrom(ctx, s.pool)
	out, err := scanRecord(q.QueryRow(ctx, query, id, eventstore.NowUTC(s.clock)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: не удалось обновить событие %s: %w", eventstore.ErrStorage, id, err)
	}
	return out, nil
}

// HasConsumed сообщает, установлена ли отметка consumer_ack_on.
func (s *Storage) HasConsumed(ctx context.Context, id string) (bool, error) {
	var consumed bool
	err := querierFrom(ctx, s.pool).QueryRow(ctx, hasConsumedQuery, id).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", eventstore.ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("%w: не удалось прочитать событие %s: %w", eventstore.ErrStorage, id, err)
	}
	return consumed, nil
}

// ScanAndClaimPending выбирает ожидающие записи и захватывает каждую условным UPDATE.
// Каждый захват фиксируется отдельно, чтобы блокировки строк не удерживались
// на время повторной отправки.
func (s *Storage) ScanAndClaimPending(ctx context.Context, channel string, expiry time.Duration, onClaimed eventstore.ClaimFunc) (int, error) {
	cutoff := eventstore.PendingCutoff(eventstore.NowUTC(s.clock), expiry)

	rows, err := s.pool.Query(ctx, selectPendingQuery, cutoff, channel)
	if err != nil {
		return 0, fmt.Errorf("%w: не удалось выбрать ожидающие события: %w", eventstore.ErrStorage, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("%w: ошибка при итерации по ожидающим событиям: %w", eventstore.ErrStorage, err)
	}

	s.logger.Debug("найдено событий для повторной отправки",
		slog.String("channel", channel),
		slog.Int("count", len(ids)),
	)

	claimed := 0
	for _, id := range ids {
		rec, err := scanRecord(s.pool.QueryRow(ctx, claimQuery, cutoff, channel, id, eventstore.NowUTC(s.clock)))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("%w: не удалось захватить событие %s: %w", eventstore.ErrStorage, id, err)
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

// DeleteAll удаляет записи канала.
func (s *Storage) DeleteAll(ctx context.Context, channel string) error {
	if _, err := s.pool.Exec(ctx, deleteAllQuery, channel); err != nil {
		return fmt.Errorf("%w: не удалось удалить события: %w", eventstore.ErrStorage, err)
	}
	return nil
}

// FindAll возвращает записи канала, упорядоченные по времени записи.
func (s *Storage) FindAll(ctx context.Context, channel string) ([]*eventstore.Record, error) {
	rows, err := s.pool.Query(ctx, selectAllQuery, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: не удалось выбрать события: %w", eventstore.ErrStorage, err)
	}
	defer rows.Close()

	records := make([]*eventstore.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: не удалось сканировать событие: %w", eventstore.ErrStorage, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: ошибка при итерации по событиям: %w", eventstore.ErrStorage, err)
	}
	return records, nil
}

// scanRecord читает строку в порядке selectColumns.
func scanRecord(row pgx.Row) (*eventstore.Record, error) {
	var rec eventstore.Record
	if err := row.Scan(
		&rec.ID,
		&rec.Channel,
		&rec.Header,
		&rec.Payload,
		&rec.PayloadType,
		&rec.WrittenOn,
		&rec.AttemptCount,
		&rec.ReturnedOn,
		&rec.ProducerAckOn,
		&rec.ConsumerAckOn,
	); err != nil {
		return nil, err
	}
	rec.WrittenOn = rec.WrittenOn.UTC()
	rec.ReturnedOn = utcPtr(rec.ReturnedOn)
	rec.ProducerAckOn = utcPtr(rec.ProducerAckOn)
	rec.ConsumerAckOn = utcPtr(rec.ConsumerAckOn)
	return &rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// jsonOrNull подставляет JSON null вместо пустой строки, которую JSONB не принимает.
func jsonOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
