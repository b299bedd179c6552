package central

import "errors"

var (
	// ErrAdapterUnavailable: the adapter is off, unauthorized or
	// unsupported. Fatal to scanning and connecting until the adapter
	// state changes, never fatal to the process.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrConnectionFailed: the link could not be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDiscoveryTimeout: a service or characteristic discovery step
	// did not complete in time.
	ErrDiscoveryTimeout = errors.New("discovery timeout")

	// ErrNoWritableCharacteristic: discovery finished without finding a
	// characteristic that accepts writes.
	ErrNoWritableCharacteristic = errors.New("no writable characteristic")

	// ErrWriteTimeout: a chunk write was never acknowledged.
	ErrWriteTimeout = errors.New("write timeout")

	// ErrLinkLost: the connection dropped mid-use.
	ErrLinkLost = errors.New("link lost")

	// ErrBusy: a connection attempt or transfer is already in flight.
	ErrBusy = errors.New("busy")

	// ErrNotReady: no connection in the Ready state.
	ErrNotReady = errors.New("connection not ready")
)
