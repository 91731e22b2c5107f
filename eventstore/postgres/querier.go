package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier определяет интерфейс, который абстрагирует выполнение SQL-запросов.
// Он совместим как с *pgxpool.Pool, так и с pgx.Tx, что позволяет использовать
// хранилище как в рамках транзакции, так и без нее.
type Querier interface {
	// Exec выполняет SQL-запрос, который не возвращает строк.
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)

	// Query выполняет SQL-запрос и возвращает результат в виде pgx.Rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// QueryRow выполняет SQL-запрос и возвращает одну строку результата.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querierKey struct{}

// WithQuerier возвращает контекст, несущий транзакцию (или иной Querier).
// Create, вызванный с таким контекстом, выполняет вставку в этой транзакции,
// так что запись события фиксируется вместе с бизнес-изменениями.
func WithQuerier(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, querierKey{}, q)
}

// querierFrom извлекает Querier из контекста или возвращает fallback.
func querierFrom(ctx context.Context, fallback Querier) Querier {
	if q, ok := ctx.Value(querierKey{}).(Querier); ok && q != nil {
		return q
	}
	return fallback
}
