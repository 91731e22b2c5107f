package eventstore

import "maps"

// HeaderEventID — ключ заголовка, в котором идентификатор записи передается
// брокеру и возвращается в колбэках подтверждений и у потребителя.
const HeaderEventID = "eventId"

// Message — сообщение на границе с брокером: заголовки транспорта и тело.
type Message struct {
	Header  map[string]any
	Payload any
}

// NewMessage создает сообщение с пустыми заголовками.
func NewMessage(payload any) *Message {
	return &Message{
		Header:  make(map[string]any),
		Payload: payload,
	}
}

// EventID возвращает идентификатор записи из заголовков или пустую строку.
func (m *Message) EventID() string {
	if m == nil || m.Header == nil {
		return ""
	}
	id, _ := m.Header[HeaderEventID].(string)
	return id
}

// Clone возвращает копию сообщения с независимой картой заголовков.
// Тело не копируется.
func (m *Message) Clone() *Message {
	c := &Message{Payload: m.Payload, Header: make(map[string]any, len(m.Header)+1)}
	maps.Copy(c.Header, m.Header)
	return c
}

// withEventID возвращает копию сообщения с проставленным идентификатором.
func (m *Message) withEventID(id string) *Message {
	c := m.Clone()
	c.Header[HeaderEventID] = id
	return c
}

// headerCarrier адаптирует заголовки сообщения к propagation.TextMapCarrier.
type headerCarrier map[string]any

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
