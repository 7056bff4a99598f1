package serializer

import "encoding/json"

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
