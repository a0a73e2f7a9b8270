package session

import "fmt"

// DeviceAcquisitionError means an audio device could not be opened. It is
// fatal to the Start call and never retried automatically.
type DeviceAcquisitionError struct {
	Err error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("audio device unavailable: %v", e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error {
	return e.Err
}

// TransportError means the duplex transport failed. Mid-session failures
// are recovered by reconnecting; the error is only surfaced when the first
// connect fails or the retry policy gives up.
type TransportError struct {
	Err error
	// Attempts is the number of reconnects tried before giving up
	Attempts int
}

func (e *TransportError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transport failed after %d reconnect attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
