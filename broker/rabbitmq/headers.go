package rabbitmq

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/x-research-team/dtx-eventstore/eventstore"
)

const contentTypeJSON = "application/json"

// toTable переводит заголовки сообщения в amqp.Table. Значения, которые AMQP
// не умеет передавать, сериализуются в JSON-строку.
func toTable(header map[string]any) amqp.Table {
	table := make(amqp.Table, len(header))
	for k, v := range header {
		switch v := v.(type) {
		case nil, string, bool, []byte, time.Time,
			int, int8, int16, int32, int64,
			uint8, uint16, uint32, uint64,
			float32, float64:
			table[k] = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			table[k] = string(raw)
		}
	}
	return table
}

// fromTable переводит заголовки доставки в заголовки сообщения.
func fromTable(table amqp.Table) map[string]any {
	header := make(map[string]any, len(table))
	for k, v := range table {
		header[k] = v
	}
	return header
}

// eventIDOf извлекает идентификатор записи из возвращенного сообщения.
func eventIDOf(messageID string, table amqp.Table) string {
	if id, ok := table[eventstore.HeaderEventID].(string); ok && id != "" {
		return id
	}
	return messageID
}

func rawJSON(body []byte) json.RawMessage {
	return append(json.RawMessage(nil), body...)
}
