package stream

import "encoding/json"

// JSONCodec is the default envelope format: human-readable, works from
// a browser console without client libraries.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
