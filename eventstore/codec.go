package eventstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/goccy/go-reflect"
)

// Codec сериализует заголовки и тело сообщения в JSON и восстанавливает
// конкретный тип тела по сохраненному тегу PayloadType.
type Codec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewCodec создает кодек с предварительно зарегистрированными базовыми типами.
func NewCodec() *Codec {
	c := &Codec{types: make(map[string]reflect.Type)}
	Register[string](c)
	Register[[]byte](c)
	Register[bool](c)
	Register[float64](c)
	Register[int](c)
	Register[int64](c)
	Register[map[string]any](c)
	Register[[]any](c)
	Register[json.RawMessage](c)
	return c
}

// Register регистрирует тип T в кодеке и возвращает его тег.
func Register[T any](c *Codec) string {
	var zero T
	typ := reflect.TypeOf(&zero).Elem()
	return c.register(typ)
}

func (c *Codec) register(typ reflect.Type) string {
	name := typeName(typ)
	c.mu.Lock()
	c.types[name] = typ
	c.mu.Unlock()
	return name
}

// TypeName возвращает тег типа значения v.
func (c *Codec) TypeName(v any) string {
	if v == nil {
		return ""
	}
	return typeName(reflect.TypeOf(v))
}

// typeName формирует тег типа. Именованные типы получают полный путь пакета,
// составные типы собираются из тегов элементов, поэтому []events.Order из
// разных пакетов events дают разные теги.
func typeName(typ reflect.Type) string {
	if typ.Name() != "" {
		if typ.PkgPath() != "" {
			return typ.PkgPath() + "." + typ.Name()
		}
		return typ.Name()
	}

	switch typ.Kind() {
	case reflect.Ptr:
		return "*" + typeName(typ.Elem())
	case reflect.Slice:
		return "[]" + typeName(typ.Elem())
	case reflect.Array:
		return fmt.Sprintf("[%d]%s", typ.Len(), typeName(typ.Elem()))
	case reflect.Map:
		return "map[" + typeName(typ.Key()) + "]" + typeName(typ.Elem())
	default:
		return typ.String()
	}
}

// Encode сериализует сообщение. Тип тела регистрируется автоматически, чтобы
// этот же процесс мог восстановить его при повторной отправке.
func (c *Codec) Encode(msg *Message) (header, payload, payloadType string, err error) {
	h, err := json.Marshal(msg.Header)
	if err != nil {
		return "", "", "", fmt.Errorf("не удалось сериализовать заголовки: %w", err)
	}
	p, payloadType, err := c.EncodePayload(msg.Payload)
	if err != nil {
		return "", "", "", err
	}
	return string(h), string(p), payloadType, nil
}

// EncodePayload сериализует тело сообщения и возвращает его тег типа.
func (c *Codec) EncodePayload(v any) ([]byte, string, error) {
	p, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("не удалось сериализовать тело сообщения: %w", err)
	}
	if v == nil {
		return p, "", nil
	}
	return p, c.register(reflect.TypeOf(v)), nil
}

// DecodePayload восстанавливает тело сообщения по тегу типа.
func (c *Codec) DecodePayload(payload []byte, payloadType string) (any, error) {
	if payloadType == "" {
		return nil, nil
	}

	c.mu.RLock()
	typ, ok := c.types[payloadType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayloadType, payloadType)
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("не удалось десериализовать тело типа %s: %w", payloadType, err)
	}
	return ptr.Elem().Interface(), nil
}

// Decode восстанавливает сообщение из сохраненной записи и проставляет в
// заголовки идентификатор записи.
func (c *Codec) Decode(rec *Record) (*Message, error) {
	header := make(map[string]any)
	if rec.Header != "" {
		if err := json.Unmarshal([]byte(rec.Header), &header); err != nil {
			return nil, fmt.Errorf("не удалось десериализовать заголовки: %w", err)
		}
		if header == nil {
			header = make(map[string]any)
		}
	}

	payload, err := c.DecodePayload([]byte(rec.Payload), rec.PayloadType)
	if err != nil {
		return nil, err
	}

	header[HeaderEventID] = rec.ID
	return &Message{Header: header, Payload: payload}, nil
}
