package serializer

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes envelopes as MessagePack. It is more compact than
// JSON for long backtraces.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (c *MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
