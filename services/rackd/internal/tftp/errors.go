package tftp

import "errors"

// ErrNotFound is answered to the client as a TFTP file-not-found.
var ErrNotFound = errors.New("file not found")

// Error is a backend failure whose message is safe to send to the client.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }
