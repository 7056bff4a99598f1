// Package serializer converts step failures and workflow markers into the
// bytes stored in an execution record, and back.
//
// The stored form is a versioned tagged union: every envelope carries a
// version and a kind tag. Known kinds are "error", "finished_point" and
// "recovery_point". Anything else (a newer version or a kind this build does
// not know) decodes as "opaque" so older workers can still report it.
package serializer

import (
	"errors"
	"fmt"
	"strings"
)

// Version is the envelope format version written by this package.
const Version = 1

// Kind tags the payload carried by an Envelope.
type Kind string

// Envelope kinds.
const (
	KindError         Kind = "error"
	KindFinishedPoint Kind = "finished_point"
	KindRecoveryPoint Kind = "recovery_point"
	KindOpaque        Kind = "opaque"
)

// Frame is one backtrace location.
type Frame struct {
	File     string `json:"file" msgpack:"file"`
	Line     int    `json:"line" msgpack:"line"`
	Function string `json:"function,omitempty" msgpack:"function,omitempty"`
}

// Envelope is the storable form of an error or marker.
type Envelope struct {
	V         int       `json:"v" msgpack:"v"`
	Kind      Kind      `json:"kind" msgpack:"kind"`
	Class     string    `json:"class,omitempty" msgpack:"class,omitempty"`
	Message   string    `json:"message,omitempty" msgpack:"message,omitempty"`
	Cause     *Envelope `json:"cause,omitempty" msgpack:"cause,omitempty"`
	Backtrace []Frame   `json:"backtrace,omitempty" msgpack:"backtrace,omitempty"`
	Point     string    `json:"point,omitempty" msgpack:"point,omitempty"`
}

// Serializer encodes and decodes envelopes with a fixed codec. Decoding
// accepts either codec.
type Serializer struct {
	codec     Codec
	maxDepth  int
	maxFrames int
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithCodec sets the codec used for encoding.
func WithCodec(c Codec) Option {
	return func(s *Serializer) { s.codec = c }
}

// WithMaxCauseDepth bounds how many causes are stored.
func WithMaxCauseDepth(n int) Option {
	return func(s *Serializer) { s.maxDepth = n }
}

// WithMaxFrames bounds how many distinct backtrace files are stored.
func WithMaxFrames(n int) Option {
	return func(s *Serializer) { s.maxFrames = n }
}

// New returns a JSON serializer storing up to 8 causes and 32 frames.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		codec:     &JSONCodec{},
		maxDepth:  8,
		maxFrames: 32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codec returns the encoding codec.
func (s *Serializer) Codec() Codec { return s.codec }

// EncodeError serializes err with its class, message, causes and backtrace.
// A nil error encodes to nil.
func (s *Serializer) EncodeError(err error) ([]byte, error) {
	if err == nil {
		return nil, nil
	}
	data, encErr := s.codec.Encode(s.envelope(err, 0))
	if encErr != nil {
		return nil, fmt.Errorf("acidic/serializer: encode error: %w", encErr)
	}
	return data, nil
}

// EncodeFinished serializes the terminal marker.
func (s *Serializer) EncodeFinished() ([]byte, error) {
	return s.encode(&Envelope{V: Version, Kind: KindFinishedPoint})
}

// EncodeRecoveryPoint serializes a recovery point marker.
func (s *Serializer) EncodeRecoveryPoint(name string) ([]byte, error) {
	return s.encode(&Envelope{V: Version, Kind: KindRecoveryPoint, Point: name})
}

func (s *Serializer) encode(env *Envelope) ([]byte, error) {
	data, err := s.codec.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("acidic/serializer: encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// Decode parses data into an envelope. Unknown kinds and future versions are
// returned with Kind set to KindOpaque and the original tag kept in Class
// when no class was stored.
func (s *Serializer) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("acidic/serializer: decode: empty input")
	}
	env, err := sniff(data).Decode(data)
	if err != nil {
		return nil, fmt.Errorf("acidic/serializer: decode: %w", err)
	}
	normalize(env)
	return env, nil
}

// DecodeError decodes data and returns the stored failure as an error.
// Markers decode to nil.
func (s *Serializer) DecodeError(data []byte) (error, error) {
	if len(data) == 0 {
		return nil, nil
	}
	env, err := s.Decode(data)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindFinishedPoint, KindRecoveryPoint:
		return nil, nil
	default:
		return toError(env), nil
	}
}

func normalize(env *Envelope) {
	for e := env; e != nil; e = e.Cause {
		known := e.Kind == KindError || e.Kind == KindFinishedPoint || e.Kind == KindRecoveryPoint
		if e.V > Version || !known {
			if e.Class == "" {
				e.Class = string(e.Kind)
			}
			e.Kind = KindOpaque
		}
	}
}

func toError(env *Envelope) *DecodedError {
	if env == nil {
		return nil
	}
	return &DecodedError{
		Class:     env.Class,
		Message:   env.Message,
		Opaque:    env.Kind == KindOpaque,
		Cause:     toError(env.Cause),
		Backtrace: env.Backtrace,
	}
}

// DecodedError is a failure reconstructed from storage. It keeps the kind
// and message of the original; identity is restored only for engine
// sentinels.
type DecodedError struct {
	Class     string
	Message   string
	Opaque    bool
	Cause     *DecodedError
	Backtrace []Frame
}

func (e *DecodedError) Error() string { return e.Message }

// Kind returns the stored class name.
func (e *DecodedError) Kind() string { return e.Class }

// Unwrap exposes the matching engine sentinel and the stored cause.
func (e *DecodedError) Unwrap() []error {
	var errs []error
	if sentinel, ok := sentinelFor(e.Class); ok {
		errs = append(errs, sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Is matches another error carrying the same kind.
func (e *DecodedError) Is(target error) bool {
	k, ok := target.(interface{ Kind() string })
	return ok && e.Class != "" && k.Kind() == e.Class
}

// String renders the error with its causes, one per line.
func (e *DecodedError) String() string {
	var b strings.Builder
	for cur := e; cur != nil; cur = cur.Cause {
		if cur != e {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%s: %s", cur.Class, cur.Message)
	}
	return b.String()
}
