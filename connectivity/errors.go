package connectivity

import "fmt"

// ErrServiceNotFound is returned when a service has neither a route nor a
// local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrCircuitOpen is returned while the breaker of a service is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrRemoteStatus is returned by HTTP handlers on a non-2xx response.
type ErrRemoteStatus struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ErrRemoteStatus) Error() string {
	return fmt.Sprintf("connectivity/http: %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// ErrPanic wraps a panic recovered by the Recovery middleware.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
