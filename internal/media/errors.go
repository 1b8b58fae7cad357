package media

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed = errors.New("media client closed")
	ErrCallTimeout  = errors.New("media call timed out")
)

// RPCError is an error returned by the media service itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("media service error %d: %s", e.Code, e.Message)
}
