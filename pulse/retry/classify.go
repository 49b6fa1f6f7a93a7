package retry

import (
	"context"
	"net"
	"regexp"

	"github.com/teranos/docpulse/errors"
)

// Kind is the retry classification of a failure
type Kind string

const (
	KindTransient Kind = "transient" // network, timeout, rate limit, 5xx: retried under backoff
	KindPermanent Kind = "permanent" // validation, auth, 4xx: surfaced immediately
	KindUnknown   Kind = "unknown"   // unmatched: not retried
)

// MaxErrorLength bounds error text persisted to checkpoints
const MaxErrorLength = 500

// ClassifiedError is returned by stage executors that know what went wrong.
// Status is the HTTP status of the failed call, 0 when there was none.
type ClassifiedError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as retryable
func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return &ClassifiedError{Kind: KindPermanent, Err: err}
}

// WithStatus attaches an HTTP status and lets the classifier derive the kind
func WithStatus(status int, err error) error {
	return &ClassifiedError{Status: status, Err: err}
}

var (
	transientStatus = map[int]bool{408: true, 429: true, 502: true, 503: true, 504: true}
	permanentStatus = map[int]bool{400: true, 401: true, 403: true, 404: true, 405: true, 422: true}
)

// Classifier maps error text and HTTP status to a Kind using
// case-insensitive pattern sets.
type Classifier struct {
	transient []*regexp.Regexp
	permanent []*regexp.Regexp
}

// NewClassifier compiles the transient and permanent pattern sets
func NewClassifier(transient, permanent []string) (*Classifier, error) {
	t, err := compilePatterns(transient)
	if err != nil {
		return nil, errors.Wrap(err, "transient patterns")
	}
	p, err := compilePatterns(permanent)
	if err != nil {
		return nil, errors.Wrap(err, "permanent patterns")
	}
	return &Classifier{transient: t, permanent: p}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify maps a message and optional HTTP status (0 = none) to a Kind.
// Status codes win over text. Permanent patterns are checked before
// transient ones so an ambiguous message is not retried.
func (c *Classifier) Classify(message string, status int) Kind {
	return c.classify(message, status, nil)
}

func (c *Classifier) classify(message string, status int, retryable []*regexp.Regexp) Kind {
	switch {
	case transientStatus[status]:
		return KindTransient
	case permanentStatus[status]:
		return KindPermanent
	}
	if matchAny(retryable, message) {
		return KindTransient
	}
	if matchAny(c.permanent, message) {
		return KindPermanent
	}
	if matchAny(c.transient, message) {
		return KindTransient
	}
	return KindUnknown
}

// ClassifyError classifies err using, in order: an explicit ClassifiedError
// kind, its status, context deadlines, network timeouts, then the message.
func (c *Classifier) ClassifyError(err error) Kind {
	return c.classifyError(err, nil)
}

func (c *Classifier) classifyError(err error, retryable []*regexp.Regexp) Kind {
	if err == nil {
		return KindUnknown
	}

	status := 0
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Kind != "" {
			return ce.Kind
		}
		status = ce.Status
	}

	if status == 0 {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return KindTransient
		case errors.Is(err, context.Canceled):
			// Cancellation is intentional, don't retry
			return KindUnknown
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return KindTransient
		}
	}

	return c.classify(err.Error(), status, retryable)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// TruncateError returns the error text cut to MaxErrorLength characters
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error())
}

// Truncate cuts s to MaxErrorLength runes
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorLength {
		return s
	}
	return string(r[:MaxErrorLength-3]) + "..."
}
