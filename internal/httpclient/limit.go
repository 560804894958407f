package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// BodyTooLargeError reports a response body over the configured cap.
type BodyTooLargeError struct {
	Limit int64
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err came from ReadBody's cap.
func IsBodyTooLarge(err error) bool {
	var tooLarge BodyTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadBody reads at most limit bytes from r. A non-positive limit reads
// everything. The remainder of an oversized body is discarded so the
// connection can be reused.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		_, _ = io.Copy(io.Discard, r)
		return nil, BodyTooLargeError{Limit: limit}
	}
	return data, nil
}
