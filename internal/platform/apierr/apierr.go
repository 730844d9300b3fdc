package apierr

import "fmt"

// Error carries an HTTP status and a stable machine code across service
// boundaries so handlers can map failures without string matching.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Invalid(code string, err error) *Error  { return New(400, code, err) }
func NotFound(code string, err error) *Error { return New(404, code, err) }
func Internal(code string, err error) *Error { return New(500, code, err) }
