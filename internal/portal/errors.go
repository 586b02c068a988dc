package portal

import (
	"errors"
	"fmt"
)

// ErrLogin wraps every failure of the login handshake.
var ErrLogin = errors.New("portal login failed")

// ErrNoSessionToken means the login page did not hand out a session cookie.
var ErrNoSessionToken = errors.New("no session token in login page response")

// ErrUnreachable means the overview page could not be fetched with the given
// credential, most likely because the session expired.
var ErrUnreachable = errors.New("overview page unreachable")

// ErrMarkerNotFound means the overview page was fetched but did not contain the
// document link.
var ErrMarkerNotFound = errors.New("document link not found on overview page")

// RejectedStatusError is returned when the portal answers the credential
// submission with anything but a redirect or 200.
type RejectedStatusError struct {
	Code int
}

func (e *RejectedStatusError) Error() string {
	return fmt.Sprintf("login rejected with status %d", e.Code)
}

// RelayError is returned when the document stream could not be opened.
type RelayError struct {
	Url    string
	Status int
	Err    error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s: %s", e.Url, e.Err)
	}
	return fmt.Sprintf("relay %s: unexpected status %d", e.Url, e.Status)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
