// internal/gateway/errors.go
package gateway

import (
	"errors"
	"fmt"
)

// ErrClosed возвращается Send после Shutdown.
var ErrClosed = errors.New("gateway: closed")

// EnqueueError — очередь диспетчеризации заполнена.
type EnqueueError struct {
	Capacity int
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("gateway: queue full (capacity %d)", e.Capacity)
}

// TransportError — сетевой сбой или таймаут HTTP-обмена.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s %s: %v", e.Method, e.URL, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError — токен не удалось получить после всех повторов.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway: token refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }
