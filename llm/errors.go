package llm

import "errors"

// TransientError marks a failure worth retrying: timeouts, rate limits,
// upstream 5xx responses. The client retries these with backoff up to
// RetryConfig.MaxAttempts.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err so the retry loop will try again.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure that retrying cannot fix, such as a
// rejected request body or bad credentials.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err so the retry loop gives up immediately.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsFatal reports whether err was classified as non-retryable.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
