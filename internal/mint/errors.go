package mint

import (
	"errors"
	"fmt"
)

// Kind classifies a submission failure.
type Kind string

const (
	// KindTransport: the request did not complete (timeout, reset, DNS).
	KindTransport Kind = "transport"
	// KindRemote: the service refused the request for a transient reason.
	KindRemote Kind = "remote"
	// KindValidation: the service rejected the request shape; the message is the service's own.
	KindValidation Kind = "validation"
	// KindContract: a 2xx response violated the response contract.
	KindContract Kind = "contract"
	// KindCanceled: the caller abandoned the submission.
	KindCanceled Kind = "canceled"
)

// SubmissionError is a classified submission failure.
type SubmissionError struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	// Status is the HTTP status, 0 when no response was received.
	Status  int
	Details map[string]any
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a submission failure worth retrying.
func IsRetryable(err error) bool {
	var serr *SubmissionError
	return errors.As(err, &serr) && serr.Retryable
}

// KindOf returns the failure kind of err, or "" when err is not a SubmissionError.
func KindOf(err error) Kind {
	var serr *SubmissionError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}
