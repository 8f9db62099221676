package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// MatrixError is an error response from the homeserver, with the standard
// error code (e.g "M_UNKNOWN_TOKEN") and the HTTP status it arrived with.
type MatrixError struct {
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
	HTTPStatus int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("HTTP %d : %s : %s", e.HTTPStatus, e.ErrCode, e.Message)
}

// IsTokenError returns true if err is a MatrixError carrying M_UNKNOWN_TOKEN,
// meaning the access token has been invalidated and syncing must stop for good.
func IsTokenError(err error) bool {
	var merr *MatrixError
	if errors.As(err, &merr) {
		return merr.ErrCode == "M_UNKNOWN_TOKEN"
	}
	return false
}

// IsClientError returns true if err is a MatrixError with a definite 4xx
// status, i.e retrying the same request cannot succeed.
func IsClientError(err error) bool {
	var merr *MatrixError
	if errors.As(err, &merr) {
		return merr.HTTPStatus >= 400 && merr.HTTPStatus < 500
	}
	return false
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and SYNC_DEBUG=1 then the program panics.
// If expr is false and SYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("SYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
