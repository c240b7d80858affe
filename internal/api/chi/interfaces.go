package chi

import "context"

// Listener is the lifecycle shared by both HTTP engines. It mirrors
// domain.APIEngine so the chi listener can be exercised without the factory.
type Listener interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Addr() string
	Started() <-chan struct{}
}

var _ Listener = (*ChiAPI)(nil)
