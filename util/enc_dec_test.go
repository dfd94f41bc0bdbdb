package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" msgpack:"name"`
	Count int    `json:"count" msgpack:"count"`
}

func TestEncoderDecoders(t *testing.T) {
	for name, encdec := range map[string]EncoderDecoder[sample]{
		"json":    NewJsonEncoderDecoder[sample](),
		"msgpack": NewMsgpackEncoderDecoder[sample](),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := encdec.Encode(sample{Name: "open", Count: 2})
			require.NoError(t, err)
			out, err := encdec.Decode(data)
			require.NoError(t, err)
			require.Equal(t, sample{Name: "open", Count: 2}, *out)

			_, err = encdec.Decode([]byte{0xc1})
			require.Error(t, err)
		})
	}
}
