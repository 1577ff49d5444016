package relay

import "errors"

// Error taxonomy surfaced to the transport layer. Internal causes are wrapped
// so errors.Is works at the boundary.
var (
	ErrUnauthenticated  = errors.New("relay: no identity")
	ErrPaymentRequired  = errors.New("relay: payment required")
	ErrBadRequest       = errors.New("relay: bad request")
	ErrUpstreamFailure  = errors.New("relay: upstream failure")
	ErrStoreUnavailable = errors.New("relay: store unavailable")
)
