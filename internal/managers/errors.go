package managers

import "errors"

// Error kinds surfaced by Bluetooth operations. Callers distinguish them
// with errors.Is; every public operation fails with one of these (possibly
// wrapped with context) rather than an opaque error.
var (
	// ErrAdapter: the adapter is missing, unreachable, or refused a power
	// or discovery command.
	ErrAdapter = errors.New("bluetooth adapter error")

	// ErrDeviceNotFound: name/alias/address resolution exhausted, including
	// after a triggered scan.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAuthenticationFailed: pairing was rejected (wrong PIN or peer
	// declined).
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPairingFailed: any other pairing breakdown (timeout, EOF,
	// unexpected shell state).
	ErrPairingFailed = errors.New("pairing failed")

	// ErrServiceNotFound: no RFCOMM channel discoverable after retries.
	ErrServiceNotFound = errors.New("no RFCOMM service found")

	// ErrConnectFailed: link-level or socket-level connect failure.
	ErrConnectFailed = errors.New("connect failed")
)
