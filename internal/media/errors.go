package media

import (
	"errors"
	"fmt"
)

// DecodeError reports positively-identified corruption of the container or
// codec state. The decoder resets its buffer when returning one; the session
// stays usable for subsequent chunks.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("stream decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Internal parse outcomes. errIncomplete means "wait for more bytes" and is
// never surfaced to callers; the remaining errors identify corruption.
var (
	errIncomplete = errors.New("incomplete page")
	errBadCapture = errors.New("bad capture pattern")
	errBadVersion = errors.New("unsupported page version")
	errBadCRC     = errors.New("page checksum mismatch")
)
