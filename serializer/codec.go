package serializer

// Codec defines how envelopes are turned into bytes for the record's error
// column and back.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope.
	Decode(data []byte) (*Envelope, error)

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// sniff picks the codec that produced data. JSON envelopes always start
// with '{'; msgpack maps never do.
func sniff(data []byte) Codec {
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if b == '{' {
			return &JSONCodec{}
		}
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}
