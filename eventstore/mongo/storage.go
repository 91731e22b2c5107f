// Package mongo реализует хранилище событий поверх MongoDB.
//
// Каждый захват ожидающей записи — это одиночный атомарный FindOneAndUpdate,
// фильтр которого повторяет предикат ожидания. Если запись уже захвачена
// конкурентным сканированием, фильтр не совпадает, и текущий проход ее
// пропускает. Это не требует многодокументных транзакций и реплика-сета.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

// DefaultCollection — имя коллекции по умолчанию.
const DefaultCollection = "event_store"

// Option определяет функцию для конфигурации Storage.
type Option func(*Storage)

// WithCollection устанавливает имя коллекции.
func WithCollection(name string) Option {
	return func(s *Storage) {
		s.collectionName = name
	}
}

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

// document — представление записи в коллекции.
type document struct {
	ID            string     `bson:"_id"`
	Channel       string     `bson:"channel"`
	Header        string     `bson:"header"`
	Payload       string     `bson:"payload"`
	PayloadType   string     `bson:"payloadType"`
	WrittenOn     time.Time  `bson:"writtenOn"`
	AttemptCount  int64      `bson:"attemptCount"`
	ReturnedOn    *time.Time `bson:"returnedOn,omitempty"`
	ProducerAckOn *time.Time `bson:"producerAckOn,omitempty"`
	ConsumerAckOn *time.Time `bson:"consumerAckOn,omitempty"`
}

func (d *document) record() *eventstore.Record {
	return &eventstore.Record{
		ID:            d.ID,
		Channel:       d.Channel,
		Header:        d.Header,
		Payload:       d.Payload,
		PayloadType:   d.PayloadType,
		WrittenOn:     d.WrittenOn.UTC(),
		AttemptCount:  d.AttemptCount,
		ReturnedOn:    utcPtr(d.ReturnedOn),
		ProducerAckOn: utcPtr(d.ProducerAckOn),
		ConsumerAckOn: utcPtr(d.ConsumerAckOn),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Storage — реализация eventstore.Storage для MongoDB.
type Storage struct {
	collection     *mongo.Collection
	collectionName string
	clock          eventstore.Clock
	logger         *slog.Logger
}

var _ eventstore.Storage = (*Storage)(nil)

// NewStorage создает новый экземпляр Storage.
// Он также создает индексы, необходимые для выборки ожидающих записей.
func NewStorage(ctx context.Context, db *mongo.Database, opts ...Option) (*Storage, error) {
	s := &Storage{
		collectionName: DefaultCollection,
		clock:          &eventstore.SystemClock{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.collection = db.Collection(s.collectionName)

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureIndexes создает вторичный индекс для предиката ожидания.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "channel", Value: 1},
				{Key: "consumerAckOn", Value: 1},
				{Key: "writtenOn", Value: 1},
				{Key: "producerAckOn", Value: 1},
				{Key: "returnedOn", Value: 1},
			},
			Options: options.Index().SetName("idx_pending"),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: не удалось создать индексы коллекции %s: %w", eventstore.ErrStorage, s.collectionName, err)
	}
	return nil
}

// Create вставляет новую запись.
func (s *Storage) Create(ctx context.Context, rec eventstore.NewRecord) (*eventstore.Record, error) {
	doc := document{
		ID:           rec.ID,
		Channel:      rec.Channel,
		Header:       rec.Header,
		Payload:      rec.Payload,
		PayloadType:  rec.PayloadType,
		WrittenOn:    eventstore.NowUTC(s.clock),
		AttemptCount: 1,
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %w: %s", eventstore.ErrStorage, eventstore.ErrDuplicateID, rec.ID)
		}
		return nil, fmt.Errorf("%w: не удалось сохранить событие: %w", eventstore.ErrStorage, err)
	}
	return doc.record(), nil
}

// MarkReturned проставляет returnedOn.
func (s *Storage) MarkReturned(ctx context.Context, id string) (*eventstore.Record, error) {
	return s.setTimestamp(ctx, id, "returnedOn")
}

// MarkProduced проставляет producerAckOn.
func (s *Storage) MarkProduced(ctx context.Context, id string) (*eventstore.Record, error) {
	return s.setTimestamp(ctx, id, "producerAckOn")
}

func (s *Storage) setTimestamp(ctx context.Context, id, field string) (*eventstore.Record, error) {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: eventstore.NowUTC(s.clock)}}}}

	var doc document
	err := s.collection.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, s.notFoundOr(err, id, "не удалось обновить "+field)
	}
	return doc.record(), nil
}

// MarkConsumed проставляет consumerAckOn, если оно еще не установлено.
func (s *Storage) MarkConsumed(ctx context.Context, id string) (*eventstore.Record, error) {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "consumerAckOn", Value: nil}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "consumerAckOn", Value: eventstore.NowUTC(s.clock)}}}}

	var doc document
	err := s.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.record(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: не удалось обновить consumerAckOn: %w", eventstore.ErrStorage, err)
	}

	// Отметка уже стоит либо записи нет.
	if err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		return nil, s.notFoundOr(err, id, "не удалось прочитать событие")
	}
	return doc.record(), nil
}

// HasConsumed сообщает, установлена ли отметка consumerAckOn.
func (s *Storage) HasConsumed(ctx context.Context, id string) (bool, error) {
	var doc struct {
		ConsumerAckOn *time.Time `bson:"consumerAckOn,omitempty"`
	}
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}},
		options.FindOne().SetProjection(bson.D{{Key: "consumerAckOn", Value: 1}}),
	).Decode(&doc)
	if err != nil {
		return false, s.notFoundOr(err, id, "не удалось прочитать событие")
	}
	return doc.ConsumerAckOn != nil, nil
}

// ScanAndClaimPending выбирает ожидающие записи и захватывает каждую условным обновлением.
func (s *Storage) ScanAndClaimPending(ctx context.Context, channel string, expiry time.Duration, onClaimed eventstore.ClaimFunc) (int, error) {
	cutoff := eventstore.PendingCutoff(eventstore.NowUTC(s.clock), expiry)

	cursor, err := s.collection.Find(ctx, pendingFilter(channel, cutoff),
		options.Find().
			SetProjection(bson.D{{Key: "_id", Value: 1}}).
			SetSort(bson.D{{Key: "writtenOn", Value: 1}}),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: не удалось выбрать ожидающие события: %w", eventstore.ErrStorage, err)
	}

	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &ids); err != nil {
		return 0, fmt.Errorf("%w: ошибка при итерации по ожидающим событиям: %w", eventstore.ErrStorage, err)
	}

	s.logger.Debug("найдено событий для повторной отправки",
		slog.String("channel", channel),
		slog.Int("count", len(ids)),
	)

	claimed := 0
	for _, candidate := range ids {
		rec, ok, err := s.claim(ctx, candidate.ID, channel, cutoff)
		if err != nil {
			return claimed, err
		}
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

// claim атомарно захватывает запись, если она все еще удовлетворяет предикату ожидания.
func (s *Storage) claim(ctx context.Context, id, channel string, cutoff time.Time) (*eventstore.Record, bool, error) {
	filter := append(bson.D{{Key: "_id", Value: id}}, pendingFilter(channel, cutoff)...)
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "attemptCount", Value: int64(1)}}},
		{Key: "$set", Value: bson.D{{Key: "writtenOn", Value: eventstore.NowUTC(s.clock)}}},
		{Key: "$unset", Value: bson.D{{Key: "producerAckOn", Value: ""}, {Key: "returnedOn", Value: ""}}},
	}

	var doc document
	err := s.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: не удалось захватить событие %s: %w", eventstore.ErrStorage, id, err)
	}
	return doc.record(), true, nil
}

// pendingFilter строит фильтр предиката ожидания.
func pendingFilter(channel string, cutoff time.Time) bson.D {
	filter := bson.D{
		{Key: "writtenOn", Value: bson.D{{Key: "$lt", Value: cutoff}}},
		{Key: "consumerAckOn", Value: nil},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "producerAckOn", Value: nil}},
			bson.D{{Key: "returnedOn", Value: bson.D{{Key: "$ne", Value: nil}}}},
		}},
	}
	if channel != "" {
		filter = append(filter, bson.E{Key: "channel", Value: channel})
	}
	return filter
}

func channelFilter(channel string) bson.D {
	if channel == "" {
		return bson.D{}
	}
	return bson.D{{Key: "channel", Value: channel}}
}

// DeleteAll удаляет записи канала.
func (s *Storage) DeleteAll(ctx context.Context, channel string) error {
	if _, err := s.collection.DeleteMany(ctx, channelFilter(channel)); err != nil {
		return fmt.Errorf("%w: не удалось удалить события: %w", eventstore.ErrStorage, err)
	}
	return nil
}

// FindAll возвращает записи канала, упорядоченные по времени записи.
func (s *Storage) FindAll(ctx context.Context, channel string) ([]*eventstore.Record, error) {
	cursor, err := s.collection.Find(ctx, channelFilter(channel),
		options.Find().SetSort(bson.D{{Key: "writtenOn", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: не удалось выбрать события: %w", eventstore.ErrStorage, err)
	}

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: ошибка при итерации по событиям: %w", eventstore.ErrStorage, err)
	}

	records := make([]*eventstore.Record, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].record())
	}
	return records, nil
}

func (s *Storage) notFoundOr(err error, id, msg string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", eventstore.ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s: %w", eventstore.ErrStorage, msg, err)
}
