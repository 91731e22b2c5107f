package eventstore_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-eventstore/eventstore"
	billing "github.com/x-research-team/dtx-eventstore/eventstore/internal/testevents/billing/events"
	shipping "github.com/x-research-team/dtx-eventstore/eventstore/internal/testevents/shipping/events"
)

type paymentReceived struct {
	PaymentID string `json:"paymentId"`
	Cents     int64  `json:"cents"`
}

func TestCodec_EncodeDecode(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	msg := eventstore.NewMessage(paymentReceived{PaymentID: "p-1", Cents: 1500})
	msg.Header["source"] = "billing"

	header, payload, payloadType, err := codec.Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"billing"}`, header)
	assert.JSONEq(t, `{"paymentId":"p-1","cents":1500}`, payload)
	assert.Equal(t, codec.TypeName(paymentReceived{}), payloadType)

	decoded, err := codec.Decode(&eventstore.Record{
		ID:          "evt-1",
		Header:      header,
		Payload:     payload,
		PayloadType: payloadType,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentReceived{PaymentID: "p-1", Cents: 1500}, decoded.Payload)
	assert.Equal(t, "billing", decoded.Header["source"])
	assert.Equal(t, "evt-1", decoded.EventID(), "идентификатор записи проставляется в заголовки")
}

func TestCodec_BuiltinTypes(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	tests := []struct {
		name  string
		value any
	}{
		{name: "строка", value: "hello"},
		{name: "число", value: 42},
		{name: "логическое значение", value: true},
		{name: "карта", value: map[string]any{"a": "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, payloadType, err := codec.EncodePayload(tt.value)
			require.NoError(t, err)

			decoded, err := codec.DecodePayload(body, payloadType)
			require.NoError(t, err)
			assert.Equal(t, tt.value, decoded)
		})
	}
}

func TestCodec_Register(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	name := eventstore.Register[paymentReceived](codec)
	assert.Equal(t, codec.TypeName(paymentReceived{}), name)

	decoded, err := codec.DecodePayload([]byte(`{"paymentId":"p-2"}`), name)
	require.NoError(t, err)
	assert.Equal(t, paymentReceived{PaymentID: "p-2"}, decoded)
}

// Процесс, не регистрировавший тип, не может восстановить тело.
func TestCodec_UnknownPayloadType(t *testing.T) {
	t.Parallel()

	producer := eventstore.NewCodec()
	_, payload, payloadType, err := producer.Encode(eventstore.NewMessage(paymentReceived{PaymentID: "p-3"}))
	require.NoError(t, err)

	consumer := eventstore.NewCodec()
	_, err = consumer.Decode(&eventstore.Record{ID: "evt-1", Payload: payload, PayloadType: payloadType})
	assert.ErrorIs(t, err, eventstore.ErrUnknownPayloadType)
}

func TestCodec_NilPayload(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	_, payload, payloadType, err := codec.Encode(eventstore.NewMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", payload)
	assert.Empty(t, payloadType)

	decoded, err := codec.Decode(&eventstore.Record{ID: "evt-1", Header: `{}`, Payload: payload})
	require.NoError(t, err)
	assert.Nil(t, decoded.Payload)
}

func TestCodec_RawMessage(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	raw := json.RawMessage(`{"nested":[1,2,3]}`)
	body, payloadType, err := codec.EncodePayload(raw)
	require.NoError(t, err)

	decoded, err := codec.DecodePayload(body, payloadType)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(decoded.(json.RawMessage)))
}

// Составные типы из одноименных пакетов получают разные теги и не
// перезаписывают друг друга в реестре кодека.
func TestCodec_CompositeTypesKeepPackagePath(t *testing.T) {
	t.Parallel()

	codec := eventstore.NewCodec()
	tests := []struct {
		name  string
		left  any
		right any
	}{
		{name: "указатель", left: &billing.Order{InvoiceID: "inv-1"}, right: &shipping.Order{TrackingID: "trk-1"}},
		{name: "срез", left: []billing.Order{{InvoiceID: "inv-2"}}, right: []shipping.Order{{TrackingID: "trk-2"}}},
		{name: "массив", left: [1]billing.Order{{InvoiceID: "inv-3"}}, right: [1]shipping.Order{{TrackingID: "trk-3"}}},
		{name: "карта", left: map[string]*billing.Order{"a": {InvoiceID: "inv-4"}}, right: map[string]*shipping.Order{"a": {TrackingID: "trk-4"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leftBody, leftType, err := codec.EncodePayload(tt.left)
			require.NoError(t, err)
			rightBody, rightType, err := codec.EncodePayload(tt.right)
			require.NoError(t, err)
			require.NotEqual(t, leftType, rightType)

			decoded, err := codec.DecodePayload(leftBody, leftType)
			require.NoError(t, err)
			assert.Equal(t, tt.left, decoded)

			decoded, err = codec.DecodePayload(rightBody, rightType)
			require.NoError(t, err)
			assert.Equal(t, tt.right, decoded)
		})
	}

	assert.Equal(t, "*"+codec.TypeName(billing.Order{}), codec.TypeName(&billing.Order{}))
	assert.Equal(t, "map[string][]"+codec.TypeName(shipping.Order{}), codec.TypeName(map[string][]shipping.Order{}))
}
