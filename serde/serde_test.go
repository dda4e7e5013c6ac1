//go:build unit

package serde

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func TestJSONRoundTrip(t *testing.T) {
	s := JSON[order]()

	data, err := s.Serialise("orders", order{ID: "o-1", Amount: 12.5})
	require.NoError(t, err)

	decoded, err := s.Deserialise("orders", data)
	require.NoError(t, err)
	require.Equal(t, order{ID: "o-1", Amount: 12.5}, decoded)
}

func TestJSONDeserialiseRejectsGarbage(t *testing.T) {
	_, err := JSON[order]().Deserialise("orders", []byte("{not json"))
	require.Error(t, err)
}

func TestStringAndBytesPassThrough(t *testing.T) {
	data, err := String().Serialise("t", "hello")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	raw, err := Bytes().Deserialise("t", []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, raw)
}

func TestUntypedSerialiserRejectsWrongType(t *testing.T) {
	untyped := ToUntyped(String())

	_, err := untyped.Serialise("t", 42)
	require.Error(t, err)

	data, err := untyped.Serialise("t", "ok")
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), data)
}
