package stream

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec is the compact envelope format for subscribers tailing
// chatty executions, where per-event envelope overhead adds up.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := msgpack.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
