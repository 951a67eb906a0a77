package remote

import (
	"errors"
	"fmt"
)

// CodeChunkOutOfOrder is returned by /upload/chunk when the chunk does not
// start at the server's cursor. The response carries the expected cursor.
const CodeChunkOutOfOrder = 2

// HTTPError is a transport-level failure: a non-2xx status or a body that
// could not be decoded.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: http error %d: %s", e.Endpoint, e.StatusCode, e.Status)
}

// APIError is an application-level failure: HTTP succeeded but the
// envelope code is not zero.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
	// Current is the server cursor reported alongside the failure, if any.
	Current *int64
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: code %d: %s", e.Endpoint, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: code %d", e.Endpoint, e.Code)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
