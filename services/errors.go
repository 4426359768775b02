package services

import "errors"

var (
	// ErrLocationUnavailable means no fix was obtained within the bound
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrPermissionDenied means the process may not read the location
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrProducerRunning is returned by Start while a heartbeat loop is active
	ErrProducerRunning = errors.New("heartbeat producer already running")
	// ErrNoDevices means the user has no registered push tokens
	ErrNoDevices = errors.New("no devices registered for user")
)

// IsLocationError reports whether err is one of the location failures the
// heartbeat loop treats as transient
func IsLocationError(err error) bool {
	return errors.Is(err, ErrLocationUnavailable) || errors.Is(err, ErrPermissionDenied)
}
