package types

import "errors"

var (
	ErrMalformedPayload = errors.New("malformed notification payload")
	ErrLaunchRejected   = errors.New("task launch rejected")
	ErrFetchFailed      = errors.New("source fetch failed")
	ErrEncodeFailed     = errors.New("encode failed")
	ErrUploadFailed     = errors.New("upload failed")
	ErrRenditionTimeout = errors.New("rendition timed out")
)

// ProcessingError tells the dispatcher what to do with a message whose
// handling failed. The message always stays on the queue. Requeue makes it
// visible again after a short delay, otherwise it waits out the visibility timeout.
type ProcessingError struct {
	Err     error
	Requeue bool
}

func (p ProcessingError) Error() string {
	return p.Err.Error()
}

func (p ProcessingError) Unwrap() error {
	return p.Err
}
