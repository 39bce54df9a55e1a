// Package errkind classifies errors raised anywhere in the platform into a
// small closed set the sync task manager and token refresh service use to
// decide whether to retry, back off, or give up.
package errkind

import "errors"

type Kind string

const (
	Transient  Kind = "transient"
	Permission Kind = "permission"
	Validation Kind = "validation"
	Contract   Kind = "contract"
	Fatal      Kind = "fatal"
)

// Classified is implemented by errors that know their own Kind.
type Classified interface {
	error
	Kind() Kind
}

// Of returns the Kind of err, walking the Unwrap chain for the first
// Classified error it finds. Unclassified errors default to Transient,
// since treating an unknown failure as retryable is the safer default for
// a background sync or refresh loop.
func Of(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return Transient
}

// IsRetryable reports whether a failure of this kind should be retried
// with backoff rather than surfaced as a terminal failure.
func IsRetryable(k Kind) bool {
	return k == Transient
}

// wrapped is a minimal Classified error constructed by New.
type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Kind() Kind    { return w.kind }

// New wraps err with an explicit Kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}
