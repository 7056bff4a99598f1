// Package idempotency derives the deduplication key that identifies one
// logical job invocation.
//
// An invocation that carries an explicit identifier uses it verbatim.
// Otherwise the key is a SHA-1 hex digest over a canonical string built from
// the job name and, depending on granularity, its arguments. The canonical
// form is stable across processes, so two deliveries of the same invocation
// always map to the same ExecutionRecord.
package idempotency

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // digest is an identity, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/acidic"
)

// ErrNoJobName is returned when an invocation has no job name to key on.
var ErrNoJobName = errors.New("acidic/idempotency: invocation has no job name")

// Invocation describes one delivery of a job by the host queue.
type Invocation struct {
	// JobID is the primary client or queue supplied identifier.
	JobID string `json:"job_id,omitempty"`

	// JID is the secondary identifier some queues assign.
	JID string `json:"jid,omitempty"`

	// JobName is the registered job name.
	JobName string `json:"job_name"`

	// Args is the JSON encoded argument list.
	Args json.RawMessage `json:"args,omitempty"`
}

// KeyFunc derives a key from an invocation.
type KeyFunc func(inv Invocation) (string, error)

// Deriver computes idempotency keys.
type Deriver struct {
	granularity acidic.Granularity
	custom      KeyFunc
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithGranularity selects the built-in derivation strategy.
func WithGranularity(g acidic.Granularity) Option {
	return func(d *Deriver) { d.granularity = g }
}

// WithKeyFunc replaces the built-in strategies with fn.
func WithKeyFunc(fn KeyFunc) Option {
	return func(d *Deriver) { d.custom = fn }
}

// NewDeriver returns a Deriver keyed by job id unless configured otherwise.
func NewDeriver(opts ...Option) *Deriver {
	d := &Deriver{granularity: acidic.GranularityJobID}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Derive returns the idempotency key for inv.
func (d *Deriver) Derive(inv Invocation) (string, error) {
	if d.custom != nil {
		key, err := d.custom(inv)
		if err != nil {
			return "", fmt.Errorf("acidic/idempotency: custom key: %w", err)
		}
		return key, nil
	}
	if inv.JobName == "" {
		return "", ErrNoJobName
	}

	switch d.granularity {
	case acidic.GranularityJobArgs:
		args, err := CanonicalArgs(inv.Args)
		if err != nil {
			return "", err
		}
		return Digest(inv.JobName + string(args)), nil
	default:
		if inv.JobID != "" {
			return inv.JobID, nil
		}
		if inv.JID != "" {
			return inv.JID, nil
		}
		return Digest(inv.JobName + "{}"), nil
	}
}

// Digest returns the lowercase SHA-1 hex digest of s.
func Digest(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// CanonicalArgs normalizes a JSON argument document: object keys sorted,
// insignificant whitespace removed, number literals kept verbatim. Empty
// input and JSON null normalize to "{}".
func CanonicalArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("acidic/idempotency: canonical args: %w", err)
	}
	if dec.More() {
		return nil, errors.New("acidic/idempotency: canonical args: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("acidic/idempotency: canonical args: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SameArgs reports whether two argument documents are canonically equal.
func SameArgs(a, b json.RawMessage) bool {
	ca, errA := CanonicalArgs(a)
	cb, errB := CanonicalArgs(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}
