package local

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for journal records.
type Codec interface {
	// Encode serializes a record to bytes.
	Encode(rec *record) ([]byte, error)

	// Decode deserializes bytes into a record.
	Decode(data []byte) (*record, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// CodecName constants for codec selection.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	case CodecNameJSON, "":
		return &JSONCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes/decodes journal records as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(rec *record) ([]byte, error) {
	return json.Marshal(rec)
}

func (c *JSONCodec) Decode(data []byte) (*record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes/decodes journal records as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(rec *record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func (c *MsgpackCodec) Decode(data []byte) (*record, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
