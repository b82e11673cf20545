package stream

// Codec turns progress-frame envelopes into websocket message payloads
// and back. The envelope format is negotiated once, in the subscribe
// handshake, and applies to every frame on the connection; event
// payloads inside the envelope stay JSON either way (see Frame.Data).
type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)

	// Name is the identifier clients send in the subscribe frame's
	// format field.
	Name() string
}

// Envelope formats a subscriber may request.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec resolves a requested format name. Unknown or empty names
// fall back to JSON rather than failing the handshake: a subscriber
// asking for a format this server does not speak still gets its
// progress events, and the ack frame reports the format actually in
// effect.
func GetCodec(name string) Codec {
	if name == CodecNameMsgpack {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}
