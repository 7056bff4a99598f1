package serializer

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/xraph/acidic"
)

// stackError attaches the call stack captured at the failure site.
type stackError struct {
	err error
	pcs []uintptr
}

func (e *stackError) Error() string    { return e.err.Error() }
func (e *stackError) Unwrap() error    { return e.err }
func (e *stackError) Stack() []uintptr { return e.pcs }

// WithStack records the caller's stack on err. Errors that already carry a
// stack are returned unchanged.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var se *stackError
	if errors.As(err, &se) {
		return err
	}
	return &stackError{err: err, pcs: callers(3)}
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

func (s *Serializer) envelope(err error, depth int) *Envelope {
	var pcs []uintptr
	if se, ok := err.(*stackError); ok {
		pcs = se.pcs
		err = se.err
	}

	env := &Envelope{
		V:       Version,
		Kind:    KindError,
		Class:   classOf(err),
		Message: err.Error(),
	}
	if depth == 0 {
		if pcs == nil {
			pcs = callers(4)
		}
		env.Backtrace = s.frames(pcs)
	}
	if depth+1 < s.maxDepth {
		if cause := causeOf(err); cause != nil {
			env.Cause = s.envelope(cause, depth+1)
		}
	}
	return env
}

// frames groups the stack by file and keeps the first location seen in
// each, which bounds the size of deep recursive traces.
func (s *Serializer) frames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []Frame
	iter := runtime.CallersFrames(pcs)
	for {
		f, more := iter.Next()
		if f.File != "" && !strings.HasPrefix(f.Function, "runtime.") {
			if _, dup := seen[f.File]; !dup {
				seen[f.File] = struct{}{}
				out = append(out, Frame{File: f.File, Line: f.Line, Function: f.Function})
				if len(out) == s.maxFrames {
					break
				}
			}
		}
		if !more {
			break
		}
	}
	return out
}

func classOf(err error) string {
	if kind, ok := acidic.KindOf(err); ok {
		return kind
	}
	if k, ok := err.(interface{ Kind() string }); ok && k.Kind() != "" {
		return k.Kind()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func causeOf(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

func sentinelFor(class string) (error, bool) {
	return acidic.SentinelFor(class)
}
