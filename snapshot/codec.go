package snapshot

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serialises views
type Codec interface {
	Encode(v *View) ([]byte, error)
	Decode(data []byte) (*View, error)
	// Name is also used as the backup file extension
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name, JSON when empty
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	}

	return nil, errors.Errorf("snapshot: unknown codec %q", name)
}

type JSONCodec struct{}

func (JSONCodec) Encode(v *View) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (JSONCodec) Decode(data []byte) (*View, error) {
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "decode json snapshot")
	}
	return &v, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v *View) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Decode(data []byte) (*View, error) {
	var v View
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "decode msgpack snapshot")
	}
	return &v, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
