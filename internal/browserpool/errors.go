package browserpool

import "errors"

var (
	// ErrPoolExhausted is returned when Acquire times out waiting for a free browser
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned after Shutdown
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrUnknownHandle is returned for handles the pool does not consider busy
	ErrUnknownHandle = errors.New("unknown or already released handle")
)
