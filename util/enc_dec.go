package util

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(JsonEncDec[any])

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type MsgpackEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(MsgpackEncDec[any])

func NewMsgpackEncoderDecoder[T any]() *MsgpackEncDec[T] {
	return &MsgpackEncDec[T]{}
}

func (encdec *MsgpackEncDec[T]) Encode(value T) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return data, nil
}

func (encdec *MsgpackEncDec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return &res, nil
}
