package control

import (
	"encoding/json"
)

// jsonCodec carries control messages as JSON. It is forced on both ends of
// the connection, so plain Go structs can be used as messages without
// generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
