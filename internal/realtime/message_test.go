package realtime

import (
	"testing"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Text(t *testing.T) {
	m := Text("hello")
	assert.Equal(t, KindText, m.Kind())
	assert.Equal(t, []byte("hello"), m.Data())
	assert.Equal(t, ws.TextMessage, m.frameType())
	assert.False(t, m.IsZero())
}

func TestMessage_Binary(t *testing.T) {
	m := Binary([]byte{0x00, 0x01})
	assert.Equal(t, KindBinary, m.Kind())
	assert.Equal(t, ws.BinaryMessage, m.frameType())
}

func TestMessage_JSON(t *testing.T) {
	m, err := JSON(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, KindJSON, m.Kind())
	assert.JSONEq(t, `{"n":1}`, string(m.Data()))
	assert.Equal(t, ws.TextMessage, m.frameType())
}

func TestMessage_JSONUnserializable(t *testing.T) {
	_, err := JSON(make(chan int))
	require.Error(t, err)

	var encErr *EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestMessage_Zero(t *testing.T) {
	var m Message
	assert.True(t, m.IsZero())
}

func TestMessage_FromWire(t *testing.T) {
	m, err := FromWire(KindBinary, []byte{0xff})
	require.NoError(t, err)
	assert.Equal(t, KindBinary, m.Kind())
	assert.Equal(t, []byte{0xff}, m.Data())

	_, err = FromWire(MessageKind(42), []byte("junk"))
	assert.Error(t, err)
}

func TestMessageKind_String(t *testing.T) {
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "binary", KindBinary.String())
	assert.Equal(t, "json", KindJSON.String())
	assert.Equal(t, "unknown(42)", MessageKind(42).String())
}
